// Package payload renders the log views of an echoed datagram: a bounded raw
// buffer dump, the lowercase hex encoding and the numeric byte array.
package payload
