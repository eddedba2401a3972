package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-stock/internal/app"
	_ "github.com/odyssey-erp/odyssey-stock/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	require.True(t, app.InTestMode())
	main()
}

func TestRunUsage(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	require.Equal(t, 0, run(context.Background(), []string{"help"}))
	require.Equal(t, 2, run(context.Background(), []string{"teleport"}))
	require.Equal(t, 2, run(context.Background(), []string{"jobs"}))
	require.Equal(t, 2, run(context.Background(), []string{"reconcile", "-bogus"}))
}

func TestRunRejectsBadConfig(t *testing.T) {
	t.Setenv("STORE_DRIVER", "cassandra")
	require.Equal(t, 1, run(context.Background(), []string{"help"}))
}
