package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/osio"
	"github.com/airbusgeo/osio/gcs"
	"github.com/airbusgeo/rsimg/internal/log"
	"github.com/google/tiff"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const gsPrefix = "gs://"

func isGS(name string) bool {
	return strings.HasPrefix(name, gsPrefix)
}

// parseGS splits gs://bucket/object into its bucket and object.
func parseGS(name string) (bucket, object string, err error) {
	if !isGS(name) {
		return "", "", fmt.Errorf("%s is not a gs:// url", name)
	}
	bucket, object, _ = strings.Cut(strings.TrimPrefix(name, gsPrefix), "/")
	if bucket == "" || object == "" {
		return "", "", fmt.Errorf("%s: missing bucket or object", name)
	}
	return bucket, object, nil
}

// gcsClient lazily creates the storage client and registers the gs:// godal
// handler the first time a gs:// path is used.
type gcsClient struct {
	blocksize string
	numBlocks int

	stcl *storage.Client
	gcsa *osio.Adapter
}

func (g *gcsClient) client(ctx context.Context) (*storage.Client, error) {
	if g.stcl != nil {
		return g.stcl, nil
	}
	stcl, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage.newclient: %w", err)
	}
	gcsh, err := gcs.Handle(ctx, gcs.GCSClient(stcl))
	if err != nil {
		stcl.Close()
		return nil, fmt.Errorf("gcs.handle: %w", err)
	}
	gcsa, err := osio.NewAdapter(gcsh, osio.BlockSize(g.blocksize), osio.NumCachedBlocks(g.numBlocks))
	if err != nil {
		stcl.Close()
		return nil, fmt.Errorf("osio.new: %w", err)
	}
	if err := godal.RegisterVSIHandler(gsPrefix, gcsa); err != nil {
		stcl.Close()
		return nil, fmt.Errorf("register osio: %w", err)
	}
	g.stcl = stcl
	g.gcsa = gcsa
	return stcl, nil
}

// reader opens a local or gs:// file for random access.
func (g *gcsClient) reader(ctx context.Context, name string) (tiff.ReadAtReadSeeker, func() error, error) {
	if !isGS(name) {
		f, err := os.Open(name)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
	if _, err := g.client(ctx); err != nil {
		return nil, nil, err
	}
	r, err := g.gcsa.Reader(name)
	if err != nil {
		return nil, nil, err
	}
	return r, func() error { return nil }, nil
}

// inputs makes sure gs:// names among names can be opened by godal.
func (g *gcsClient) inputs(ctx context.Context, names ...string) error {
	for _, n := range names {
		if isGS(n) {
			_, err := g.client(ctx)
			return err
		}
	}
	return nil
}

func (g *gcsClient) Close() error {
	if g == nil || g.stcl == nil {
		return nil
	}
	err := g.stcl.Close()
	g.stcl = nil
	return err
}

// output is a local file standing in for a possibly remote destination.
// Commit uploads every file written next to Local, so that sidecar files
// (e.g. shapefile .dbf/.shx) follow the main one.
type output struct {
	Local  string
	remote string
	dir    string
	gcs    *gcsClient
}

func (g *gcsClient) output(name string) (*output, error) {
	if !isGS(name) {
		return &output{Local: name}, nil
	}
	if _, _, err := parseGS(name); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "rsimg-"+uuid.New().String())
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &output{
		Local:  filepath.Join(dir, path.Base(name)),
		remote: name,
		dir:    dir,
		gcs:    g,
	}, nil
}

func (o *output) Commit(ctx context.Context) error {
	if o.remote == "" {
		return nil
	}
	stcl, err := o.gcs.client(ctx)
	if err != nil {
		return err
	}
	bucket, object, _ := parseGS(o.remote)
	prefix := path.Dir(object)
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", o.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		dst := path.Join(prefix, e.Name())
		if err := upload(ctx, stcl.Bucket(bucket).Object(dst), filepath.Join(o.dir, e.Name())); err != nil {
			return err
		}
		log.Logger(ctx).Debug("uploaded", zap.String("object", gsPrefix+bucket+"/"+dst))
	}
	return nil
}

// Cleanup removes the local temporary files of a remote output.
func (o *output) Cleanup() {
	if o.dir != "" {
		_ = os.RemoveAll(o.dir)
	}
}

func upload(ctx context.Context, obj *storage.ObjectHandle, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("upload %s: %w", src, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close gs://%s/%s: %w", obj.BucketName(), obj.ObjectName(), err)
	}
	return nil
}
