package project

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"approx-sql-go/config"

	"github.com/minio/minio-go"
)

// NetworkResource wraps an object-store file so csv and parquet sources can
// read it: csv consumes the sequential stream, parquet uses ReadAt/Seek for
// footer-first access.
type NetworkResource struct {
	client *minio.Client
	bucket string
	key    string

	stream *minio.Object
}

func NewStreamReader(fileName string) (*NetworkResource, error) {
	secrets := config.GetConfig().Secrets

	client, err := minio.New(secrets.EndpointURL, secrets.AccessKey, secrets.SecretKey, true)
	if err != nil {
		return nil, err
	}

	obj, err := client.GetObject(secrets.BucketName, fileName, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}

	return &NetworkResource{
		client: client,
		bucket: secrets.BucketName,
		key:    fileName,
		stream: obj,
	}, nil
}

func (n *NetworkResource) Stream() io.Reader {
	return n.stream
}

// ReadAt fetches the byte range with a fresh ranged GET, which is what the
// parquet reader needs to jump to the footer.
func (n *NetworkResource) ReadAt(p []byte, off int64) (int, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(off, off+int64(len(p))-1); err != nil {
		return 0, err
	}

	obj, err := n.client.GetObject(n.bucket, n.key, opts)
	if err != nil {
		return 0, err
	}
	defer obj.Close()
	return io.ReadFull(obj, p)
}

func (n *NetworkResource) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		return offset, nil
	case io.SeekEnd:
		info, err := n.client.StatObject(n.bucket, n.key, minio.StatObjectOptions{})
		if err != nil {
			return 0, fmt.Errorf("failed to stat object: %w", err)
		}
		return info.Size, nil
	default:
		return 0, fmt.Errorf("unsupported seek mode for object storage: %d", whence)
	}
}

// DownloadLocally copies the object to the spill directory and hands back the
// rewound file. Callers that read an object more than once avoid repeated
// ranged GETs this way.
func (n *NetworkResource) DownloadLocally() (*os.File, error) {
	maxBytes := int64(config.GetConfig().Batch.MaxDownloadSizeMB) * 1024 * 1024
	info, err := n.client.StatObject(n.bucket, n.key, minio.StatObjectOptions{})
	if err != nil {
		return nil, err
	}
	if info.Size > maxBytes {
		return nil, fmt.Errorf("object %s is %d bytes, over the %d byte download cap", n.key, info.Size, maxBytes)
	}

	dir := config.GetConfig().Batch.SpillDirectory
	f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%s-%d", filepath.Base(n.key), time.Now().UnixNano())))
	if err != nil {
		return nil, err
	}

	if _, err := io.Copy(f, n.stream); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func (n *NetworkResource) Close() error {
	if n.stream == nil {
		return nil
	}
	err := n.stream.Close()
	n.stream = nil
	return err
}
