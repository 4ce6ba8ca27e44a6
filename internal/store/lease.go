package store

import "github.com/google/uuid"

func newLeaseID() string { return uuid.NewString() }
