package com

import "github.com/gofrs/uuid"

// Uid is an opaque unique identifier of a connection.
type Uid string

const NilUid Uid = ""

func NewUid() Uid { return Uid(uuid.Must(uuid.NewV4()).String()) }

func (u Uid) IsEmpty() bool  { return u == NilUid }
func (u Uid) String() string { return string(u) }

// Short returns a shortened id for logs.
func (u Uid) Short() string {
	s := string(u)
	if len(s) < 8 {
		return s
	}
	return s[:4] + "." + s[len(s)-4:]
}
