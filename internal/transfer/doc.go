// Package transfer exports and imports session credentials so a paired
// session can move between hosts without pairing again.
//
// An export is a JSON Document:
//
//	{
//	  "sessionId":  "tenant-a",
//	  "originalId": "Tenant A",
//	  "exportedAt": "2026-01-02T03:04:05Z",
//	  "auth":  {"credentials.json": "...", "crypto/olm.db": "AAEC..."},
//	  "cache": null,
//	  "encoded": ["auth/crypto/olm.db"]
//	}
//
// Both operations require the local credential strategy.
package transfer
