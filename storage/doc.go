// Package storage provides constructs for storing database records on disk.
//
// The main storage primative is the Store, which routes each key to one of
// a fixed number of shards. Each shard is a Tree: a hierarchy of bloom
// filters over a file of record blocks. Records are appended to the
// shard's active block (a Memtable) until it fills up, then the block is
// sealed and a new one is started. Lookups test the filters top down and
// only read the sealed blocks whose leaf filter matches the key.
//
// # Store Disk Layout
//
// A Store is stored with the following general structure:
//
//	path/to/
//	├── {{ NAME }}.yaml
//	├── {{ NAME }}{{ SHARD }}.blossom
//	├── {{ NAME }}{{ SHARD }}.branch
//
// Where in the above, NAME is the store path given to Create or Open and
// SHARD is the shard number, starting at zero. The yaml file holds the
// store's Settings.
//
// Both shard files start with the 10 byte header "BLOOMFILE1". The
// blossom file then holds the record blocks back to back, and the branch
// file holds one record per bloom filter node, parents ahead of their
// children. On open every tree is rebuilt by replaying its branch file.
//
// Done
package storage
