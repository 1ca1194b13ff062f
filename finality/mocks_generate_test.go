package finality

//go:generate go run go.uber.org/mock/mockgen@v0.5.0 -package=${GOPACKAGE}mock -destination=${GOPACKAGE}mock/storage.go -mock_names=Storage=Storage . Storage
