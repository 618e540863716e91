// Package storage keeps per-session folders in S3-compatible object storage.
// A folder is a key prefix marked by an empty "{prefix}/{name}/" object.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	gos3 "reportd/pkg/s3"
)

// DefaultLinkTTL is how long a shareable link stays valid.
const DefaultLinkTTL = 2 * time.Hour

// ObjectStore is the subset of the S3 client the folder store needs.
type ObjectStore interface {
	Exists(ctx context.Context, bucket, key string) (bool, error)
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, digest []byte, contentType string) error
	PutFile(ctx context.Context, bucket, key, path, contentType string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	DeletePrefix(ctx context.Context, bucket, prefix string) (int, error)
}

var _ ObjectStore = (*gos3.Client)(nil)

// Folders implements ports.RemoteStorage on top of an object store.
type Folders struct {
	store   ObjectStore
	bucket  string
	prefix  string
	linkTTL time.Duration
}

// NewFolders configures a folder store rooted at prefix inside bucket.
func NewFolders(store ObjectStore, bucket, prefix string, linkTTL time.Duration) (*Folders, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if linkTTL <= 0 {
		linkTTL = DefaultLinkTTL
	}
	return &Folders{
		store:   store,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		linkTTL: linkTTL,
	}, nil
}

// FolderID maps a folder name to its key prefix.
func (f *Folders) FolderID(name string) string {
	clean := strings.Trim(strings.ReplaceAll(name, "/", "_"), " ")
	if f.prefix == "" {
		return clean + "/"
	}
	return path.Join(f.prefix, clean) + "/"
}

func (f *Folders) FindOrCreateFolder(ctx context.Context, name string) (string, error) {
	id, found, err := f.LookupFolder(ctx, name)
	if err != nil {
		return "", err
	}
	if found {
		return id, nil
	}
	if err := f.store.PutObject(ctx, f.bucket, id, strings.NewReader(""), 0, nil, "application/x-directory"); err != nil {
		return "", fmt.Errorf("create folder %q: %w", name, err)
	}
	return id, nil
}

func (f *Folders) LookupFolder(ctx context.Context, name string) (string, bool, error) {
	if strings.TrimSpace(name) == "" {
		return "", false, errors.New("folder name is required")
	}
	id := f.FolderID(name)
	ok, err := f.store.Exists(ctx, f.bucket, id)
	if err != nil {
		return "", false, fmt.Errorf("lookup folder %q: %w", name, err)
	}
	return id, ok, nil
}

func (f *Folders) Upload(ctx context.Context, localPath, folderID string) (string, error) {
	key := folderID + filepath.Base(localPath)
	if err := f.store.PutFile(ctx, f.bucket, key, localPath, contentType(localPath)); err != nil {
		return "", fmt.Errorf("upload %q: %w", key, err)
	}
	return f.Link(ctx, key)
}

// Link presigns a fresh download URL for key.
func (f *Folders) Link(ctx context.Context, key string) (string, error) {
	url, err := f.store.PresignGet(ctx, f.bucket, key, f.linkTTL)
	if err != nil {
		return "", fmt.Errorf("presign %q: %w", key, err)
	}
	return url, nil
}

func (f *Folders) DeleteFolder(ctx context.Context, folderID string) error {
	if !strings.HasSuffix(folderID, "/") || strings.Trim(folderID, "/") == "" {
		return fmt.Errorf("refusing to delete invalid folder id %q", folderID)
	}
	if _, err := f.store.DeletePrefix(ctx, f.bucket, folderID); err != nil {
		return fmt.Errorf("delete folder %q: %w", folderID, err)
	}
	return nil
}

func contentType(name string) string {
	if strings.EqualFold(filepath.Ext(name), ".zip") {
		return "application/zip"
	}
	return "application/octet-stream"
}
