/*
Package staging moves file content between clients, the local cache and the
rest of the system.

Three cooperating pieces:

  - Multipart sessions: chunked uploads tracked in the lease store. Parts
    arrive in any order; a compare-and-swap loop on the session timestamp
    serialises concurrent completions. The final part triggers assembly,
    Blake3 verification and landing in the normal cache.
  - Moves and flash upload: a move registration is "what should happen to
    this content once it is cached". PrepareUpload consults FileMeta by
    (hash, algorithm); a hit means the bytes never travel and the caller is
    short-circuited with the success-equivalent FlashUploadError.
    DoRegisteredMoves performs registered destinations after assembly:
    snapshots are created in place, storage-server deliveries fan out over
    the file-upload topic.
  - Snapshots: mid-run copies of files a node is producing, requested over
    the node's queue topic and frozen by renaming the cached blob.

Everything transient lives on a lease; expiry is the abandonment signal.
*/
package staging
