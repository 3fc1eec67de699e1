// Package prefs holds the routing configuration: the user directory, personal
// preferences, per-type rules and groups.
//
// The store publishes immutable snapshots. Readers take a snapshot once per
// event and never see a half-applied write; writers validate a complete
// candidate document and swap it in atomically.
package prefs
