// Package s3 implements types.Drive on an S3 bucket.
//
// S3 has no stable identifiers or directories, so the drive keeps its own
// layout under the configured prefix:
//
//	items/<id>               content, with parent, name and kind in user metadata
//	children/<parent>/<id>   empty marker listing id below parent
//	names/<parent>/<name>    claim whose body is the id holding that name
//
// Names are claimed with IfNoneMatch "*", which makes create and rename
// atomic with respect to name collisions. Content versions are ETags and
// replacements are conditional through IfMatch.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/objectfs/drivefs/pkg/errors"
	"github.com/objectfs/drivefs/pkg/types"
)

// RootID identifies the drive root.
const RootID = "root"

// User metadata keys. S3 returns them lower-cased.
const (
	metaParent = "drivefs-parent"
	metaName   = "drivefs-name"
	metaKind   = "drivefs-kind"
)

const (
	kindFile = "file"
	kindDir  = "dir"
)

// Drive is a types.Drive stored in one bucket.
type Drive struct {
	api    objectAPI
	large  largeUploader
	bucket string
	prefix string
	cfg    *Config
	logger *zap.Logger

	rootMu    sync.Mutex
	rootReady bool
}

var _ types.Drive = (*Drive)(nil)

// New connects to the bucket described by cfg.
func New(ctx context.Context, cfg *Config) (*Drive, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").WithComponent("s3")
	}
	cfg.applyDefaults()
	client, large, err := newClient(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to create S3 client").WithComponent("s3")
	}
	return newDrive(client, large, cfg), nil
}

func newDrive(api objectAPI, large largeUploader, cfg *Config) *Drive {
	cfg.applyDefaults()
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Drive{
		api:    api,
		large:  large,
		bucket: cfg.Bucket,
		prefix: prefix,
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("component", "s3"), zap.String("bucket", cfg.Bucket)),
	}
}

func (d *Drive) itemKey(id string) string { return d.prefix + "items/" + id }

func (d *Drive) childPrefix(parent string) string { return d.prefix + "children/" + parent + "/" }

func (d *Drive) childKey(parent, id string) string {
	return d.childPrefix(parent) + id
}
func (d *Drive) nameKey(parent, name string) string {
	return d.prefix + "names/" + parent + "/" + name
}

func itemMetadata(parent, name string, kind types.EntryKind) map[string]string {
	k := kindFile
	if kind == types.KindDirectory {
		k = kindDir
	}
	// Header values must be ASCII.
	return map[string]string{
		metaParent: parent,
		metaName:   url.QueryEscape(name),
		metaKind:   k,
	}
}

func entryFromHead(id string, out *s3.HeadObjectOutput) (*types.Entry, error) {
	md := out.Metadata
	kind, ok := md[metaKind]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeNotFound, "object is not a drive item").
			WithComponent("s3").WithContext("id", id)
	}
	name, err := url.QueryUnescape(md[metaName])
	if err != nil {
		name = md[metaName]
	}
	e := &types.Entry{
		ID:       id,
		ParentID: md[metaParent],
		Name:     name,
		Kind:     types.KindFile,
		Size:     aws.ToInt64(out.ContentLength),
		ModTime:  aws.ToTime(out.LastModified),
		Version:  aws.ToString(out.ETag),
	}
	if kind == kindDir {
		e.Kind = types.KindDirectory
		e.Size = 0
	}
	if id == RootID {
		e.ParentID = ""
		e.Name = ""
	}
	return e, nil
}

func (d *Drive) head(ctx context.Context, op, id string) (*types.Entry, error) {
	if err := d.ensureRoot(ctx); err != nil {
		return nil, err
	}
	key := d.itemKey(id)
	out, err := d.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(d.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, translateError(ctx, err, op, key)
	}
	return entryFromHead(id, out)
}

func (d *Drive) headDir(ctx context.Context, op, id string) (*types.Entry, error) {
	e, err := d.head(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !e.IsDir() {
		return nil, errors.NewError(errors.ErrCodeNotDirectory, "parent is not a directory").
			WithComponent("s3").WithOperation(op).WithContext("id", id)
	}
	return e, nil
}

// ensureRoot creates items/root on first use. A concurrent creator winning
// the race is not an error.
func (d *Drive) ensureRoot(ctx context.Context) error {
	d.rootMu.Lock()
	defer d.rootMu.Unlock()
	if d.rootReady {
		return nil
	}
	key := d.itemKey(RootID)
	_, err := d.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		IfNoneMatch:   aws.String("*"),
		Metadata:      itemMetadata("", "", types.KindDirectory),
	})
	if err != nil {
		if terr := translateError(ctx, err, "root", key); !errors.IsCode(terr, errors.ErrCodeConflict) {
			return terr
		}
	}
	d.rootReady = true
	d.logger.Debug("drive root ready", zap.String("key", key))
	return nil
}

// Root returns the identifier of the drive root.
func (d *Drive) Root(ctx context.Context) (string, error) {
	if err := d.ensureRoot(ctx); err != nil {
		return "", err
	}
	return RootID, nil
}

// Info reports the bucket as the drive. Usage is not tracked, so only the
// configured quota is reported.
func (d *Drive) Info(ctx context.Context) (*types.DriveInfo, error) {
	if err := d.ensureRoot(ctx); err != nil {
		return nil, err
	}
	return &types.DriveInfo{
		ID:             "s3://" + path.Join(d.bucket, d.prefix),
		Name:           d.bucket,
		DriveType:      "s3",
		RootID:         RootID,
		QuotaTotal:     d.cfg.QuotaBytes,
		QuotaRemaining: d.cfg.QuotaBytes,
	}, nil
}

// GetMetadata returns the current metadata of id.
func (d *Drive) GetMetadata(ctx context.Context, id string) (*types.Entry, error) {
	return d.head(ctx, "get_metadata", id)
}

func (d *Drive) childIDs(ctx context.Context, parent string) ([]string, error) {
	prefix := d.childPrefix(parent)
	var ids []string
	p := s3.NewListObjectsV2Paginator(d.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, translateError(ctx, err, "list_children", prefix)
		}
		for _, obj := range page.Contents {
			ids = append(ids, strings.TrimPrefix(aws.ToString(obj.Key), prefix))
		}
	}
	return ids, nil
}

// ListChildren lists the markers below id and HEADs the items through a
// bounded pool. Markers whose item is gone are skipped.
func (d *Drive) ListChildren(ctx context.Context, id string) ([]*types.Entry, error) {
	if _, err := d.headDir(ctx, "list_children", id); err != nil {
		return nil, err
	}
	ids, err := d.childIDs(ctx, id)
	if err != nil {
		return nil, err
	}

	p := pool.NewWithResults[*types.Entry]().
		WithContext(ctx).
		WithMaxGoroutines(d.cfg.Concurrency).
		WithCancelOnError().
		WithFirstError()
	for _, childID := range ids {
		p.Go(func(ctx context.Context) (*types.Entry, error) {
			e, err := d.head(ctx, "list_children", childID)
			if errors.IsCode(err, errors.ErrCodeNotFound) {
				return nil, nil
			}
			return e, err
		})
	}
	results, err := p.Wait()
	if err != nil {
		return nil, err
	}

	out := make([]*types.Entry, 0, len(results))
	for _, e := range results {
		// Skip stale markers left by an interrupted move.
		if e != nil && e.ParentID == id {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DownloadRange reads [offset, offset+length) of id.
func (d *Drive) DownloadRange(ctx context.Context, id string, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return []byte{}, nil
	}
	key := d.itemKey(id)
	out, err := d.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		if isInvalidRange(err) {
			return []byte{}, nil
		}
		return nil, translateError(ctx, err, "download_range", key)
	}
	defer out.Body.Close()
	if out.Metadata[metaKind] == kindDir {
		return nil, errors.NewError(errors.ErrCodeIsDirectory, "cannot download a directory").
			WithComponent("s3").WithOperation("download_range")
	}
	data, err := io.ReadAll(io.LimitReader(out.Body, length))
	if err != nil {
		return nil, translateError(ctx, err, "download_range", key)
	}
	return data, nil
}

// claimName reserves name below parent for id.
func (d *Drive) claimName(ctx context.Context, op, parent, name, id string) error {
	key := d.nameKey(parent, name)
	_, err := d.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		Body:          strings.NewReader(id),
		ContentLength: aws.Int64(int64(len(id))),
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil {
		terr := translateError(ctx, err, op, key)
		if errors.IsCode(terr, errors.ErrCodeConflict) {
			return errors.NewError(errors.ErrCodeConflict, "name already exists").
				WithComponent("s3").WithOperation(op).WithContext("name", name)
		}
		return terr
	}
	return nil
}

// deleteKey removes key, ignoring objects that are already gone.
func (d *Drive) deleteKey(ctx context.Context, op, key string) error {
	_, err := d.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(d.bucket), Key: aws.String(key)})
	if err != nil {
		if terr := translateError(ctx, err, op, key); !errors.IsCode(terr, errors.ErrCodeNotFound) {
			return terr
		}
	}
	return nil
}

func (d *Drive) putMarker(ctx context.Context, op, parent, id string) error {
	key := d.childKey(parent, id)
	_, err := d.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	return translateError(ctx, err, op, key)
}

// putContent writes items/<id>. condition is "" for unconditional, "*" for
// create-only, or the expected ETag.
func (d *Drive) putContent(ctx context.Context, op, id string, data []byte, md map[string]string, condition string) (string, error) {
	key := d.itemKey(id)
	if d.large != nil && int64(len(data)) > d.cfg.MultipartThreshold {
		return d.putLarge(ctx, op, id, data, md, condition)
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      md,
	}
	switch condition {
	case "":
	case "*":
		in.IfNoneMatch = aws.String("*")
	default:
		in.IfMatch = aws.String(condition)
	}
	out, err := d.api.PutObject(ctx, in)
	if err != nil {
		return "", translateError(ctx, err, op, key)
	}
	return aws.ToString(out.ETag), nil
}

// putLarge sends content through the transporter. Multipart uploads cannot
// be conditional, so the condition is checked by a HEAD just before.
func (d *Drive) putLarge(ctx context.Context, op, id string, data []byte, md map[string]string, condition string) (string, error) {
	key := d.itemKey(id)
	if condition != "" {
		out, err := d.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(d.bucket), Key: aws.String(key)})
		terr := translateError(ctx, err, op, key)
		switch {
		case condition == "*" && err == nil:
			return "", errors.NewError(errors.ErrCodeConflict, "item already exists").WithComponent("s3").WithOperation(op)
		case condition == "*" && errors.IsCode(terr, errors.ErrCodeNotFound):
		case err != nil:
			return "", terr
		case aws.ToString(out.ETag) != condition:
			return "", errors.NewError(errors.ErrCodeConflict, "version changed").
				WithComponent("s3").WithOperation(op).WithContext("id", id)
		}
	}
	etag, err := d.large(ctx, cargoships3.Archive{
		Key:          key,
		Reader:       bytes.NewReader(data),
		Size:         int64(len(data)),
		StorageClass: awsconfig.StorageClassStandard,
		Metadata:     md,
	})
	if err != nil {
		return "", translateError(ctx, err, op, key)
	}
	return etag, nil
}

// Upload creates or replaces file content.
func (d *Drive) Upload(ctx context.Context, req types.UploadRequest) (*types.Entry, error) {
	if req.IsCreate() {
		return d.create(ctx, "upload", req.ParentID, req.Name, types.KindFile, req.Data)
	}

	cur, err := d.head(ctx, "upload", req.ID)
	if err != nil {
		return nil, err
	}
	if cur.IsDir() {
		return nil, errors.NewError(errors.ErrCodeIsDirectory, "cannot upload to a directory").
			WithComponent("s3").WithOperation("upload")
	}
	if req.ExpectedVersion != "" && cur.Version != req.ExpectedVersion {
		return nil, errors.NewError(errors.ErrCodeConflict, "version changed").
			WithComponent("s3").WithOperation("upload").WithContext("id", req.ID)
	}
	etag, err := d.putContent(ctx, "upload", req.ID, req.Data,
		itemMetadata(cur.ParentID, cur.Name, types.KindFile), req.ExpectedVersion)
	if err != nil {
		return nil, err
	}
	cur.Size = int64(len(req.Data))
	cur.Version = etag
	cur.ModTime = time.Now()
	return cur, nil
}

// Create makes an empty file or a directory.
func (d *Drive) Create(ctx context.Context, parentID, name string, kind types.EntryKind) (*types.Entry, error) {
	return d.create(ctx, "create", parentID, name, kind, nil)
}

func (d *Drive) create(ctx context.Context, op, parentID, name string, kind types.EntryKind, data []byte) (*types.Entry, error) {
	if _, err := d.headDir(ctx, op, parentID); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	if err := d.claimName(ctx, op, parentID, name, id); err != nil {
		return nil, err
	}
	etag, err := d.putContent(ctx, op, id, data, itemMetadata(parentID, name, kind), "*")
	if err == nil {
		err = d.putMarker(ctx, op, parentID, id)
	}
	if err != nil {
		// Release the name so the create can be retried.
		if derr := d.deleteKey(context.WithoutCancel(ctx), op, d.nameKey(parentID, name)); derr != nil {
			d.logger.Warn("failed to release name claim", zap.String("name", name), zap.Error(derr))
		}
		return nil, err
	}
	e := &types.Entry{
		ID:       id,
		ParentID: parentID,
		Name:     name,
		Kind:     kind,
		Size:     int64(len(data)),
		ModTime:  time.Now(),
		Version:  etag,
	}
	return e, nil
}

// Delete removes id. Directories are removed with everything below them.
func (d *Drive) Delete(ctx context.Context, id string) error {
	if id == RootID {
		return errors.NewError(errors.ErrCodePermissionDenied, "cannot delete the root").WithComponent("s3")
	}
	e, err := d.head(ctx, "delete", id)
	if err != nil {
		return err
	}
	return d.deleteTree(ctx, e)
}

func (d *Drive) deleteTree(ctx context.Context, e *types.Entry) error {
	if e.IsDir() {
		ids, err := d.childIDs(ctx, e.ID)
		if err != nil {
			return err
		}
		for _, childID := range ids {
			child, err := d.head(ctx, "delete", childID)
			if errors.IsCode(err, errors.ErrCodeNotFound) {
				if err := d.deleteKey(ctx, "delete", d.childKey(e.ID, childID)); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if err := d.deleteTree(ctx, child); err != nil {
				return err
			}
		}
	}
	for _, key := range []string{d.itemKey(e.ID), d.childKey(e.ParentID, e.ID), d.nameKey(e.ParentID, e.Name)} {
		if err := d.deleteKey(ctx, "delete", key); err != nil {
			return err
		}
	}
	return nil
}

// Rename moves id below newParentID as newName. The item is copied onto
// itself with new metadata, then its markers and name claim are moved.
func (d *Drive) Rename(ctx context.Context, id, newParentID, newName string) (*types.Entry, error) {
	if id == RootID {
		return nil, errors.NewError(errors.ErrCodePermissionDenied, "cannot move the root").WithComponent("s3")
	}
	cur, err := d.head(ctx, "rename", id)
	if err != nil {
		return nil, err
	}
	if cur.ParentID == newParentID && cur.Name == newName {
		return cur, nil
	}
	if _, err := d.headDir(ctx, "rename", newParentID); err != nil {
		return nil, err
	}
	if cur.IsDir() {
		if err := d.checkNotBelow(ctx, newParentID, id); err != nil {
			return nil, err
		}
	}

	if err := d.claimName(ctx, "rename", newParentID, newName, id); err != nil {
		return nil, err
	}
	key := d.itemKey(id)
	out, err := d.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(d.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(d.bucket + "/" + key),
		CopySourceIfMatch: aws.String(cur.Version),
		MetadataDirective: s3types.MetadataDirectiveReplace,
		Metadata:          itemMetadata(newParentID, newName, cur.Kind),
	})
	if err != nil {
		_ = d.deleteKey(context.WithoutCancel(ctx), "rename", d.nameKey(newParentID, newName))
		return nil, translateError(ctx, err, "rename", key)
	}

	if newParentID != cur.ParentID {
		if err := d.putMarker(ctx, "rename", newParentID, id); err != nil {
			return nil, err
		}
		if err := d.deleteKey(ctx, "rename", d.childKey(cur.ParentID, id)); err != nil {
			return nil, err
		}
	}
	if err := d.deleteKey(ctx, "rename", d.nameKey(cur.ParentID, cur.Name)); err != nil {
		return nil, err
	}

	moved := cur.Clone()
	moved.ParentID = newParentID
	moved.Name = newName
	if out.CopyObjectResult != nil {
		moved.Version = aws.ToString(out.CopyObjectResult.ETag)
		moved.ModTime = aws.ToTime(out.CopyObjectResult.LastModified)
	}
	return moved, nil
}

// checkNotBelow fails if dir is ancestor or equal to target.
func (d *Drive) checkNotBelow(ctx context.Context, target, dir string) error {
	for cur := target; cur != "" && cur != RootID; {
		if cur == dir {
			return errors.NewError(errors.ErrCodeInvalidArgument, "cannot move a directory into itself").
				WithComponent("s3").WithOperation("rename")
		}
		e, err := d.head(ctx, "rename", cur)
		if err != nil {
			return err
		}
		cur = e.ParentID
	}
	return nil
}
