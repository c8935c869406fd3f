package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headline-goat/abkit/internal/analytics"
	"github.com/headline-goat/abkit/internal/config"
	"github.com/headline-goat/abkit/internal/transport"
)

// runCLI executes the root command with fresh flag state and returns stdout.
func runCLI(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()

	cfgPath, dbPath = "", db
	assignVariants, assignWeights, assignView = "", "", false
	convertType, convertValue = "conversion", 1
	resultsVariants, exportFormat = "", "csv"

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	return out.String(), err
}

func testDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "abkit.db")
}

func TestAssign_IsSticky(t *testing.T) {
	db := testDB(t)

	first, err := runCLI(t, db, "assign", "hero", "visitor-1", "--variants", "A,B", "--view")
	require.NoError(t, err)
	first = strings.TrimSpace(first)
	assert.Contains(t, []string{"A", "B"}, first)

	for i := 0; i < 3; i++ {
		again, err := runCLI(t, db, "assign", "hero", "visitor-1", "--variants", "A,B", "--view")
		require.NoError(t, err)
		assert.Equal(t, first, strings.TrimSpace(again))
	}
}

func TestAssign_InvalidWeights(t *testing.T) {
	db := testDB(t)

	_, err := runCLI(t, db, "assign", "hero", "visitor-1", "--variants", "A,B", "--weights", "1,x")
	assert.Error(t, err)

	_, err = runCLI(t, db, "assign", "hero", "visitor-1", "--variants", "A,B", "--weights", "1")
	assert.Error(t, err, "weight count must match variants")
}

func TestAssign_WeightedZeroNeverPicked(t *testing.T) {
	db := testDB(t)

	for _, visitor := range []string{"v1", "v2", "v3", "v4", "v5"} {
		out, err := runCLI(t, db, "assign", "pricing", visitor, "--variants", "control,discount", "--weights", "1,0")
		require.NoError(t, err)
		assert.Equal(t, "control", strings.TrimSpace(out))
	}
}

func TestConvert_RequiresAssignment(t *testing.T) {
	db := testDB(t)

	_, err := runCLI(t, db, "convert", "hero", "nobody", "--type", "signup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not assigned")
}

func TestEndToEnd_LocalWorkflow(t *testing.T) {
	db := testDB(t)

	variant, err := runCLI(t, db, "assign", "hero", "visitor-1", "--variants", "A,B", "--view")
	require.NoError(t, err)
	variant = strings.TrimSpace(variant)

	out, err := runCLI(t, db, "convert", "hero", "visitor-1", "--type", "signup", "--value", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "variant "+variant)

	out, err = runCLI(t, db, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "hero")
	assert.Contains(t, out, "PARTICIPANTS")

	out, err = runCLI(t, db, "results", "hero", "--variants", "A,B")
	require.NoError(t, err)
	assert.Contains(t, out, "EXPERIMENT: hero")
	assert.Contains(t, out, "← LEADING")

	out, err = runCLI(t, db, "export", "hero", "--format", "json")
	require.NoError(t, err)

	var export jsonExport
	require.NoError(t, json.Unmarshal([]byte(out), &export))
	assert.Equal(t, "hero", export.Experiment)
	require.Len(t, export.Events, 3)
	assert.Equal(t, "ab_test_participation", export.Events[0].Action)
	assert.Equal(t, "ab_test_view", export.Events[1].Action)
	assert.Equal(t, "ab_test_conversion", export.Events[2].Action)
	assert.Equal(t, "signup", export.Events[2].Label)
	require.NotNil(t, export.Events[2].Value)
	assert.Equal(t, 2.0, *export.Events[2].Value)
	for _, e := range export.Events {
		assert.Equal(t, variant, e.Variant)
		assert.NotEmpty(t, e.UserID)
	}

	out, err = runCLI(t, db, "export", "hero", "--format", "csv")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "timestamp,action,category"))
}

func TestResults_NotFound(t *testing.T) {
	_, err := runCLI(t, testDB(t), "results", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestExport_InvalidFormat(t *testing.T) {
	_, err := runCLI(t, testDB(t), "export", "hero", "--format", "xml")
	assert.Error(t, err)
}

func TestList_Empty(t *testing.T) {
	out, err := runCLI(t, testDB(t), "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No experiments yet.")
}

func TestBuildConfig(t *testing.T) {
	tests := []struct {
		name    string
		answers initAnswers
		check   func(*testing.T, *config.Config)
		wantErr bool
	}{
		{
			name:    "http",
			answers: initAnswers{Transport: config.TransportHTTP, Endpoint: "https://ab.example.com/", Driver: "sqlite", DSN: "./ab.db"},
			check: func(t *testing.T, c *config.Config) {
				assert.Equal(t, "https://ab.example.com/api/metrics", c.Transport.BatchURL)
				assert.Equal(t, "https://ab.example.com/api/analytics", c.Transport.EventURL)
			},
		},
		{
			name:    "kafka",
			answers: initAnswers{Transport: config.TransportKafka, Endpoint: "k1:9092, k2:9092", Driver: "postgres", DSN: "postgres://localhost/abkit"},
			check: func(t *testing.T, c *config.Config) {
				assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Transport.Brokers)
				assert.Equal(t, "postgres", c.Store.Driver)
			},
		},
		{
			name:    "none",
			answers: initAnswers{Transport: config.TransportNone, Driver: "sqlite", DSN: "./ab.db"},
			check: func(t *testing.T, c *config.Config) {
				assert.Empty(t, c.Transport.BatchURL)
			},
		},
		{
			name:    "kafka without brokers",
			answers: initAnswers{Transport: config.TransportKafka, Endpoint: " ", Driver: "sqlite", DSN: "./ab.db"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := buildConfig(tt.answers)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, c)
		})
	}
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, validateURL("http://localhost:8080"))
	assert.Error(t, validateURL("localhost:8080/path"))
	assert.Error(t, validateURL(""))
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{123456, "123,456"},
		{1234567, "1,234,567"},
	}
	for _, tt := range tests {
		if got := formatNumber(tt.in); got != tt.want {
			t.Errorf("formatNumber(%d) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParseWeights(t *testing.T) {
	w, err := parseWeights("3, 1")
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 1}, w)

	w, err = parseWeights("")
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestDirectSender(t *testing.T) {
	h := transport.NewHTTP("http://ab.example.com/api/metrics", "http://ab.example.com/api/analytics", nil)
	assert.Equal(t, h, directSender(h))

	batchOnly := transport.NewHTTP("http://ab.example.com/api/metrics", "", nil)
	assert.Nil(t, directSender(batchOnly))

	local := analytics.TransportFunc(func(context.Context, []analytics.Event) error { return nil })
	assert.Nil(t, directSender(local))
}
