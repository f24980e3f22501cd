// Package dedupe drops repeated event IDs inside a sliding time window.
package dedupe
