/*
Package cache implements the local blob cache backing file staging.

Blobs are addressed by file meta id and live in one of three subtrees:
normal (assembled whole files), multipart (in-flight shards, one directory
per meta), snapshot (node-produced snapshots). Promotion from normal to
snapshot is a rename so it never duplicates bytes. All filesystem failures
surface wrapped in errdefs.ErrCacheIO.
*/
package cache
