package exchange

// APIParams carries the account credentials and request window used to
// sign private calls.
type APIParams struct {
	Key        string
	Secret     string
	RecvWindow int64
	Testnet    bool
}
