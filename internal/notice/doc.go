// Package notice delivers short user-visible notices (connection lost, code
// ran, agent failed) from the realtime core to whatever front end is attached.
//
// A Center fans notices out to subscribers and suppresses repeats: the same
// level and text for the same session is raised once per window. Expired keys
// are evicted oldest first, bounded by a maximum size.
package notice
