package cmd

import (
	"bytes"
	"github.com/SkyHanniStudios/DiscordBot-sub000/supportbot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"os"
	"path/filepath"
	"testing"
)

func runInit(t *testing.T, args ...string) string {
	t.Helper()

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
			serversFile = ""
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs(append([]string{"init"}, args...))
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func openTestDB(t *testing.T, dbPath string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)

	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	t.Setenv("SB_DATABASE_TYPE", "sqlite")
	t.Setenv("SB_DATABASE", dbPath)

	output := runInit(t)
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Initialization complete")
	assert.NotContains(t, output, "Imported")

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	db := openTestDB(t, dbPath)
	mg := db.Migrator()
	assert.True(t, mg.HasTable(&supportbot.Keyword{}))
	assert.True(t, mg.HasTable(&supportbot.Server{}))
	assert.True(t, mg.HasTable(&supportbot.ServerAlias{}))
}

func TestInitCommand_ImportServers(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")
	serversPath := filepath.Join(tempDir, "servers.json")

	t.Setenv("SB_DATABASE_TYPE", "sqlite")
	t.Setenv("SB_DATABASE", dbPath)

	feed := `[
		{"keyword": "neu", "name": "NotEnoughUpdates", "invite": "https://discord.gg/moulberry", "aliases": ["moulberry"]},
		{"keyword": "sba", "name": "SkyblockAddons", "invite": "https://discord.gg/sba", "aliases": ["moulberry"]}
	]`
	require.NoError(t, os.WriteFile(serversPath, []byte(feed), 0o644))

	output := runInit(t, "--servers", serversPath)
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Imported 2 servers and 1 aliases")
	assert.Contains(t, output, "Skipped sba: alias 'moulberry' is already in use")
	assert.Contains(t, output, "Initialization complete")

	db := openTestDB(t, dbPath)

	var servers []supportbot.Server
	require.NoError(t, db.Order("keyword").Find(&servers).Error)
	require.Len(t, servers, 2)
	assert.Equal(t, "neu", servers[0].Keyword)
	assert.Equal(t, "sba", servers[1].Keyword)

	var alias supportbot.ServerAlias
	require.NoError(t, db.First(&alias, "alias = ?", "moulberry").Error)
	assert.Equal(t, "neu", alias.ServerKeyword)
}
