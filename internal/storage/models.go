package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested key does not exist.
var ErrNotFound = errors.New("not found")

// Entry is one stored key with its raw value.
type Entry struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Op is a single write applied by Store.Apply. Delete removes Key and
// ignores Value.
type Op struct {
	Key    string
	Value  string
	Delete bool
}

// SetOp returns an Op that stores value under key.
func SetOp(key, value string) Op { return Op{Key: key, Value: value} }

// DeleteOp returns an Op that removes key.
func DeleteOp(key string) Op { return Op{Key: key, Delete: true} }
