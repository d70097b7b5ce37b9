/*
Package netdisk projects uploaded files into per-user virtual directory
trees.

Directory rows are plain NetDiskEntry entities with a uniqueness constraint
on (parent, name, owner). The per-user roots use ids derived from the user
id, so concurrent create-if-missing calls converge on the same rows without
a distributed lock. File name collisions are resolved by appending a
millisecond timestamp suffix.
*/
package netdisk
