package types

// RelationOptions are the storage options fixed when a relation is created.
type RelationOptions struct {
	BlockSize     int    `yaml:"block_size" json:"block_size"`
	CompressType  string `yaml:"compress_type" json:"compress_type"`
	CompressLevel int    `yaml:"compress_level" json:"compress_level"`
	Checksum      bool   `yaml:"checksum" json:"checksum"`
}

// Relation is an append-only table as seen by the storage engine.
type Relation struct {
	ID       RelationID
	BasePath string
	Options  RelationOptions
}
