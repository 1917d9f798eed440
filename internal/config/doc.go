package config

// The YAML schema Load expects:
//
//	data_dir: /var/lib/tupl
//	page_size: 4096
//	cache_pages: 4096
//	durability: sync          # sync | nosync | noflush | noredo
//	lock_timeout: 5s
//	checkpoint_interval: 30s
//	checkpoint_size_threshold_bytes: 67108864
//	encryption_key_file: ""   # optional, enables page-at-rest encryption
//
// Every field has a built-in default (see Defaults); a document only
// needs to set data_dir and whatever it wants to override.
