package models

import "encoding/base64"

// EncryptedMetadataDocument is the decoded per-folder encrypted metadata.
type EncryptedMetadataDocument struct {
	// FileNameIDs preserves the order the files appeared in the document.
	FileNameIDs []string
	Files       map[string]FileCryptoEntry
	Metadata    MetadataKeyBlock
}

// FileCryptoEntry holds the crypto parameters of one file.
type FileCryptoEntry struct {
	InitializationVector string `json:"initializationVector" validate:"required,base64"`
	AuthenticationTag    string `json:"authenticationTag" validate:"required,base64"`
	MetadataKey          *int   `json:"metadataKey" validate:"required,gte=0"`
	Encrypted            string `json:"encrypted" validate:"required,base64"`
}

// IV returns the decoded initialization vector.
func (e FileCryptoEntry) IV() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.InitializationVector)
}

// Tag returns the decoded authentication tag.
func (e FileCryptoEntry) Tag() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.AuthenticationTag)
}

// MetadataKeyIndex returns the referenced key index, or -1 when absent.
func (e FileCryptoEntry) MetadataKeyIndex() int {
	if e.MetadataKey == nil {
		return -1
	}
	return *e.MetadataKey
}

// MetadataKeyBlock holds the wrapped metadata keys referenced by file entries.
type MetadataKeyBlock struct {
	MetadataKeys map[string]string `json:"metadataKeys" validate:"required,dive,keys,required,endkeys,required,base64"`
	Version      *int              `json:"version" validate:"required,gte=1"`
}
