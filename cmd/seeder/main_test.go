package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSeedUsers(t *testing.T) {
	got := parseSeedUsers(" Alice@Example.com:Alice , bob@example.com,, :nobody ,ops@example.com: Ops Team ")
	require.Equal(t, []seedUser{
		{Email: "alice@example.com", Name: "Alice"},
		{Email: "bob@example.com"},
		{Email: "ops@example.com", Name: "Ops Team"},
	}, got)

	require.Empty(t, parseSeedUsers(""))
}
