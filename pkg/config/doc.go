/*
Package config loads Weft's server configuration.

One YAML file configures everything: logging, the bolt data directory, the
Redis lease store, the blob cache root, bus worker counts and scheduler
knobs. Values not present in the file keep their defaults, so an empty file
and no file both yield a runnable configuration.
*/
package config
