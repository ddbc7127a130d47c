package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identityrecon/internal/config"
	"identityrecon/internal/models"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestNewAppInMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = config.DriverMemory

	a, err := newApp(context.Background(), cfg, discard, nil)
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.db)

	email := "doc@hillvalley.edu"
	resp, err := a.service.Identify(context.Background(), models.IdentifyRequest{Email: &email})
	require.NoError(t, err)
	assert.Equal(t, []string{email}, resp.Contact.Emails)
}

func TestNewAppWithSQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Database.URL = filepath.Join(t.TempDir(), "identity.db")

	a, err := newApp(context.Background(), cfg, discard, nil)
	require.NoError(t, err)
	require.NotNil(t, a.db)

	phone := "123456"
	resp, err := a.service.Identify(context.Background(), models.IdentifyRequest{PhoneNumber: &phone})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Contact.PrimaryContactID)
	assert.NoError(t, a.Close())
}

func TestIdentifyCommand(t *testing.T) {
	t.Setenv("DB_DRIVER", config.DriverMemory)

	cmd := identifyCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--email", "marty@hillvalley.edu", "--phone", "555"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var resp models.IdentifyResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, []string{"marty@hillvalley.edu"}, resp.Contact.Emails)
	assert.Equal(t, []string{"555"}, resp.Contact.PhoneNumbers)
}

func TestIdentifyCommandNeedsAField(t *testing.T) {
	t.Setenv("DB_DRIVER", config.DriverMemory)

	cmd := identifyCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(nil)
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestMigrateRejectsMemory(t *testing.T) {
	t.Setenv("DB_DRIVER", config.DriverMemory)

	cmd := migrateCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(nil)
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}
