package imaging

import (
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/henghuang/nifti"
)

// Dims loads only the NIfTI header and returns the volume dimensions
// (x, y, z, t). Used to log what is being transferred and to spot
// multi-volume images.
func Dims(path string) (dims [4]int16, err error) {
	defer func() {
		// LoadHeader panics on short or non-NIfTI input.
		if r := recover(); r != nil {
			err = fmt.Errorf("nifti header %s: %v", path, r)
		}
	}()
	var hdr nifti.Nifti1Header
	hdr.LoadHeader(path)
	copy(dims[:], hdr.Dim[1:5])
	return dims, nil
}

// Transfer copies a NIfTI image to dst. A plain .nii source is gzipped when
// compress is set (dst should then carry the .gz suffix); already-compressed
// sources are copied through.
func Transfer(src, dst string, compress bool, level int) error {
	if strings.HasSuffix(src, ".gz") || !compress {
		return copyFile(src, dst)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if level == 0 {
		level = gzip.DefaultCompression
	}
	zw, err := gzip.NewWriterLevel(out, level)
	if err != nil {
		return fmt.Errorf("gzip level %d: %w", level, err)
	}
	if _, err := io.Copy(zw, in); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	if dims, err := Dims(src); err == nil {
		slog.Debug("nifti transferred", "src", src, "dims", dims)
	}
	return out.Sync()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
