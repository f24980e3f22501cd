// ABOUTME: End-to-end encryption for a session device using mautrix cryptohelper
// ABOUTME: The crypto store is a SQLite file inside the session workspace

package matrix

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

const cryptoDBFile = "crypto.db"

// setupCrypto enables E2EE on client. A crypto store left behind by a
// different device is reset first.
func setupCrypto(ctx context.Context, client *mautrix.Client, pickleKey, dir string, logger *slog.Logger) (*cryptohelper.CryptoHelper, error) {
	dbPath := filepath.Join(dir, cryptoDBFile)

	if mismatch, err := checkDeviceIDMismatch(dbPath, client.DeviceID.String()); err != nil {
		logger.Debug("could not check device ID", "error", err)
	} else if mismatch {
		logger.Warn("device ID mismatch detected, resetting crypto database")
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(dbPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("removing old crypto database: %w", err)
			}
		}
	}

	helper, err := cryptohelper.NewCryptoHelper(client, deriveStoreKey(pickleKey, client.UserID.String()), dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	client.Crypto = helper

	logger.Info("encryption initialized", "device_id", client.DeviceID)
	return helper, nil
}

// checkDeviceIDMismatch reports whether dbPath holds keys for another device.
func checkDeviceIDMismatch(dbPath, currentDeviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var storedDeviceID string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&storedDeviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return storedDeviceID != currentDeviceID, nil
}

// deriveStoreKey mixes the configured pickle key with the user so each
// session's store is encrypted under its own key.
func deriveStoreKey(pickleKey, userID string) []byte {
	h := sha256.Sum256([]byte("waypost-crypto:" + pickleKey + ":" + userID))
	return h[:]
}
