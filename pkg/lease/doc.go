/*
Package lease provides the TTL-scoped registration store used by file
staging.

Upload sessions, multipart states and snapshot records are transient: they
must disappear on their own when a client walks away mid-transfer. The lease
Store keeps them in Redis under composite underscore-delimited keys
(see keys.go) so every dimension a caller queries resolves to one glob scan.

Values are opaque bytes; callers JSON-encode their own records. Concurrency
control across competing writers is built above this package with
compare-and-swap on a timestamp carried inside the value.
*/
package lease
