package sandbox

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	goarchive "github.com/moby/go-archive"
)

const ArchiveExt = ".tar.zst"

// writeArchive streams the tree at src into a zstd-compressed tarball at dst
// and returns dst.
func writeArchive(src, dst string) (string, error) {
	rc, err := goarchive.TarWithOptions(src, &goarchive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("tar %s: %w", src, err)
	}
	defer rc.Close()

	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return "", fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := io.Copy(zw, rc); err != nil {
		zw.Close()
		return "", fmt.Errorf("compress archive: %w", err)
	}

	// Close explicitly to catch write errors.
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}
	return dst, nil
}

// ArchiveInfo describes one audit archive on disk.
type ArchiveInfo struct {
	SandboxID string    `json:"sandbox_id"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mod_time"`
}

// ListArchives returns the archives in dir, newest first.
func ListArchives(dir string) ([]ArchiveInfo, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []ArchiveInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ArchiveExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, ArchiveInfo{
			SandboxID: strings.TrimSuffix(e.Name(), ArchiveExt),
			Path:      filepath.Join(dir, e.Name()),
			Size:      info.Size(),
			ModTime:   info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}

// ArchiveEntry is one member of an archive.
type ArchiveEntry struct {
	Name string
	Size int64
	Dir  bool
}

// ReadArchive lists the members of an archive without extracting it.
func ReadArchive(path string) ([]ArchiveEntry, error) {
	var entries []ArchiveEntry
	err := walkArchive(path, func(hdr *tar.Header, _ io.Reader) error {
		entries = append(entries, ArchiveEntry{
			Name: strings.TrimPrefix(hdr.Name, "./"),
			Size: hdr.Size,
			Dir:  hdr.Typeflag == tar.TypeDir,
		})
		return nil
	})
	return entries, err
}

// ReadArchiveFile returns the content of a single member, e.g.
// "logs/commands.log" or "manifest.txt".
func ReadArchiveFile(path, name string) ([]byte, error) {
	var data []byte
	found := false
	err := walkArchive(path, func(hdr *tar.Header, r io.Reader) error {
		if found || strings.TrimPrefix(hdr.Name, "./") != name {
			return nil
		}
		found = true
		var err error
		data, err = io.ReadAll(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}
	return data, nil
}

func walkArchive(path string, fn func(*tar.Header, io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

// FormatSize renders a byte count for humans.
func FormatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
