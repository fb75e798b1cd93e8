/*
Package setup implements the first-boot flows that run before the runtime
context exists: fresh (create the encrypted data volume, seed the
database, generate the onion service key, persist the disk GUID),
migrate (import an older volume's main/ and package-data/ with resumable
checkpoints and a shared progress counter), and restore (rehydrate
package volumes from a backup target).
*/
package setup
