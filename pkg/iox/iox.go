package iox

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
)

func WriteStreamToFile(dstFilename string, src io.Reader) error {
	_, err := WriteStreamToFileHashed(dstFilename, src)
	return err
}

// WriteStreamToFileHashed writes src to dstFilename and returns the hex sha256 of the content.
// On failure the partial file is removed.
func WriteStreamToFileHashed(dstFilename string, src io.Reader) (string, error) {
	dstFile, err := os.Create(dstFilename)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(dstFile, h), src)
	if errClose := dstFile.Close(); err == nil {
		err = errClose
	}
	if err != nil {
		os.Remove(dstFilename)
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteFileAtomic writes to a sibling temp file and renames it over dstFilename,
// so readers never observe a half written file.
func WriteFileAtomic(dstFilename string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dstFilename), filepath.Base(dstFilename)+".tmp*")
	if err != nil {
		return err
	}
	_, err = tmp.Write(content)
	if errClose := tmp.Close(); err == nil {
		err = errClose
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dstFilename)
}

// HashFile returns the hex sha256 of a file's content
func HashFile(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
