package metadata

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/TheMichaelB/e2ekeys/internal/crypto"
	"github.com/TheMichaelB/e2ekeys/internal/models"
)

// Decrypter opens per-file keys with the account's private key.
type Decrypter interface {
	DecryptAsymmetric(ciphertext []byte, privateKey string) ([]byte, error)
}

// FileResult is the outcome for one file entry. Exactly one of Key or Err is set.
type FileResult struct {
	FileNameID string
	Entry      models.FileCryptoEntry
	Key        []byte
	Err        error
}

// OpenContent decrypts file content with the file key, IV and tag of the entry.
func (r FileResult) OpenContent(ciphertext []byte) ([]byte, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	iv, err := r.Entry.IV()
	if err != nil {
		return nil, fmt.Errorf("decode IV: %w", err)
	}
	tag, err := r.Entry.Tag()
	if err != nil {
		return nil, fmt.Errorf("decode tag: %w", err)
	}
	return crypto.OpenGCMDetached(ciphertext, tag, r.Key, iv)
}

var validate = validator.New()

// Parse decodes and validates a raw document. File entries keep the order in
// which they appear. Any schema violation, duplicate file name ID or
// metadataKey index without a matching metadata key rejects the whole document.
func Parse(raw []byte) (*models.EncryptedMetadataDocument, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))

	if err := expectDelim(dec, '{'); err != nil {
		return nil, malformed("document: %v", err)
	}

	doc := &models.EncryptedMetadataDocument{}
	var sawFiles, sawMetadata bool

	for dec.More() {
		key, err := stringToken(dec)
		if err != nil {
			return nil, malformed("document: %v", err)
		}

		switch key {
		case "files":
			if sawFiles {
				return nil, malformed(`duplicate "files"`)
			}
			sawFiles = true
			if err := parseFiles(dec, doc); err != nil {
				return nil, err
			}
		case "metadata":
			if sawMetadata {
				return nil, malformed(`duplicate "metadata"`)
			}
			sawMetadata = true
			if err := dec.Decode(&doc.Metadata); err != nil {
				return nil, malformed("metadata: %v", err)
			}
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, malformed("%s: %v", key, err)
			}
		}
	}

	if err := expectDelim(dec, '}'); err != nil {
		return nil, malformed("document: %v", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, malformed("trailing data after document")
	}

	if !sawFiles {
		return nil, malformed(`missing "files"`)
	}
	if !sawMetadata {
		return nil, malformed(`missing "metadata"`)
	}
	if err := Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func parseFiles(dec *json.Decoder, doc *models.EncryptedMetadataDocument) error {
	if err := expectDelim(dec, '{'); err != nil {
		return malformed("files: %v", err)
	}

	doc.Files = make(map[string]models.FileCryptoEntry)
	for dec.More() {
		id, err := stringToken(dec)
		if err != nil {
			return malformed("files: %v", err)
		}
		if _, dup := doc.Files[id]; dup {
			return malformed("duplicate file %q", id)
		}

		var entry models.FileCryptoEntry
		if err := dec.Decode(&entry); err != nil {
			return malformed("file %q: %v", id, err)
		}
		doc.Files[id] = entry
		doc.FileNameIDs = append(doc.FileNameIDs, id)
	}

	if err := expectDelim(dec, '}'); err != nil {
		return malformed("files: %v", err)
	}
	return nil
}

// Validate checks a document's fields and that every metadataKey index resolves.
func Validate(doc *models.EncryptedMetadataDocument) error {
	if err := validate.Struct(doc.Metadata); err != nil {
		return malformed("metadata: %s", describeValidation(err))
	}

	for _, id := range orderedIDs(doc) {
		entry := doc.Files[id]
		if err := validate.Struct(entry); err != nil {
			return malformed("file %q: %s", id, describeValidation(err))
		}
		index := strconv.Itoa(entry.MetadataKeyIndex())
		if _, ok := doc.Metadata.MetadataKeys[index]; !ok {
			return malformed("file %q references missing metadata key %s", id, index)
		}
	}
	return nil
}

// Decode parses raw and decrypts every file key with privateKey. A malformed
// document yields no results. Per-file failures are reported in FileResult.Err
// and do not stop the remaining files.
func Decode(raw []byte, privateKey string, d Decrypter) ([]FileResult, error) {
	doc, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return DecryptFiles(doc, privateKey, d), nil
}

// DecryptFiles decrypts the file keys of an already validated document.
func DecryptFiles(doc *models.EncryptedMetadataDocument, privateKey string, d Decrypter) []FileResult {
	ids := orderedIDs(doc)
	results := make([]FileResult, 0, len(ids))

	for _, id := range ids {
		entry := doc.Files[id]
		result := FileResult{FileNameID: id, Entry: entry}

		key, err := decryptEntry(entry, privateKey, d)
		if err != nil {
			result.Err = &models.DecryptError{FileNameID: id, Err: err}
		} else {
			result.Key = key
		}
		results = append(results, result)
	}
	return results
}

func decryptEntry(entry models.FileCryptoEntry, privateKey string, d Decrypter) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(entry.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("decode encrypted key: %w", err)
	}
	key, err := d.DecryptAsymmetric(ciphertext, privateKey)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, errors.New("empty file key")
	}
	return key, nil
}

// Encode serializes a document, writing files in FileNameIDs order.
func Encode(doc *models.EncryptedMetadataDocument) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"files":{`)

	for i, id := range orderedIDs(doc) {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		entry, err := json.Marshal(doc.Files[id])
		if err != nil {
			return nil, fmt.Errorf("encode file %q: %w", id, err)
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(entry)
	}

	buf.WriteString(`},"metadata":`)
	block, err := json.Marshal(doc.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	buf.Write(block)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// orderedIDs returns FileNameIDs, or the sorted file keys for documents built
// without an explicit order.
func orderedIDs(doc *models.EncryptedMetadataDocument) []string {
	if len(doc.FileNameIDs) == len(doc.Files) {
		return doc.FileNameIDs
	}
	ids := make([]string, 0, len(doc.Files))
	for id := range doc.Files {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func stringToken(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	s, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected object key, got %v", tok)
	}
	return s, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, e := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", e.Field(), e.ActualTag()))
	}
	return strings.Join(parts, ", ")
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", models.ErrMalformedDocument, fmt.Sprintf(format, args...))
}
