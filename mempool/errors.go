package mempool

import "errors"

var (
	// ErrTxInCache is returned to the client if we saw tx earlier
	ErrTxInCache = errors.New("tx already exists in cache")

	// ErrMempoolIsFull is returned when the pool is at capacity
	ErrMempoolIsFull = errors.New("mempool is full")
)
