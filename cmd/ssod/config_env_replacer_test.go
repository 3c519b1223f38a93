package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type envReplacerTestInner struct {
	String string
	NotMe  string
}

type envReplacerTest struct {
	Int    int
	String string
	Struct envReplacerTestInner
	Hash   string // bcrypt hashes start with "$2a$"; "2a$10$..." is not an environment variable name, so the value is kept
}

func TestReplaceEnvKeys(t *testing.T) {
	data := &envReplacerTest{
		String: "$REPLACE_ME",
		Hash:   "$2a$10$33EMT0cVYVlPy6WAMCLsceLYjWhuHpbz5yuZxu/GAFj03J9Lytjuy",
		Struct: envReplacerTestInner{
			String: "$ME_TOO",
			NotMe:  "$DOES_NOT_EXIST",
		},
	}

	getenv := func(key string) string {
		switch key {
		case "REPLACE_ME":
			return "foo"
		case "ME_TOO":
			return "bar"
		default:
			return ""
		}
	}

	require.NoError(t, replaceEnvKeys(data, getenv))

	require.Equal(t, &envReplacerTest{
		String: "foo",
		Hash:   "$2a$10$33EMT0cVYVlPy6WAMCLsceLYjWhuHpbz5yuZxu/GAFj03J9Lytjuy",
		Struct: envReplacerTestInner{String: "bar", NotMe: ""},
	}, data)
}
