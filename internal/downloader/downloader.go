// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader fetches the dataset archives and extracts them.
package downloader

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ShowProgressBar controls whether downloads display a progress bar on the terminal.
var ShowProgressBar = true

// Download the contents of url to filePath, creating its directory if needed.
// It returns the number of bytes written.
func Download(url, filePath string) (size int64, err error) {
	if err = os.MkdirAll(filepath.Dir(filePath), 0777); err != nil {
		return 0, errors.Wrapf(err, "creating directory for %q", filePath)
	}
	resp, err := http.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "requesting %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("downloading %q: %s", url, resp.Status)
	}

	// Write to a temporary file first, so an interrupted download is not mistaken for a complete one.
	tmpPath := filePath + ".partial"
	file, err := os.Create(tmpPath)
	if err != nil {
		return 0, errors.Wrapf(err, "creating %q", tmpPath)
	}
	var w io.Writer = file
	if ShowProgressBar && resp.ContentLength > 0 {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetDescription(humanize.IBytes(uint64(resp.ContentLength))),
			progressbar.OptionShowBytes(true),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
		defer func() {
			_ = bar.Close()
			fmt.Println()
		}()
		w = io.MultiWriter(file, bar)
	}
	size, err = io.Copy(w, resp.Body)
	if err != nil {
		_ = file.Close()
		return 0, errors.Wrapf(err, "downloading %q to %q", url, tmpPath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "closing %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return 0, errors.Wrapf(err, "renaming %q to %q", tmpPath, filePath)
	}
	return size, nil
}

// DownloadIfMissing downloads url to filePath, if filePath doesn't exist yet.
//
// If checkHash is provided, it checks that the file has the given SHA256 hash.
func DownloadIfMissing(url, filePath, checkHash string) error {
	exists, err := fsutil.FileExists(filePath)
	if err != nil {
		return err
	}
	if !exists {
		klog.Infof("Downloading %s ...", url)
		size, err := Download(url, filePath)
		if err != nil {
			return err
		}
		klog.V(1).Infof("Downloaded %s to %q", humanize.IBytes(uint64(size)), filePath)
	}
	if checkHash == "" {
		return nil
	}
	return ValidateChecksum(filePath, checkHash)
}

// ValidateChecksum verifies that the SHA256 of the file matches checkHash (hex encoded).
// On mismatch the file is removed, so the next call downloads it again.
func ValidateChecksum(filePath, checkHash string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "opening %q", filePath)
	}
	hasher := sha256.New()
	_, err = io.Copy(hasher, f)
	_ = f.Close()
	if err != nil {
		return errors.Wrapf(err, "reading %q", filePath)
	}
	fileHash := hex.EncodeToString(hasher.Sum(nil))
	if fileHash == strings.ToLower(checkHash) {
		return nil
	}
	if err = os.Remove(filePath); err != nil {
		klog.Errorf("Failed to remove %q, which failed the checksum test: %+v", filePath, err)
	}
	return errors.Errorf("file %q has sha256 %q, expected %q: file removed", filePath, fileHash, checkHash)
}

// Untar extracts the tarFile into baseDir. Files ending in ".gz" or ".tgz" are decompressed with gzip.
func Untar(baseDir, tarFile string) error {
	f, err := os.Open(tarFile)
	if err != nil {
		return errors.Wrapf(err, "opening %q", tarFile)
	}
	defer func() { _ = f.Close() }()
	var r io.Reader = f
	if strings.HasSuffix(tarFile, ".gz") || strings.HasSuffix(tarFile, ".tgz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return errors.Wrapf(err, "decompressing %q", tarFile)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}
	return errors.WithMessagef(extract(baseDir, tar.NewReader(r)), "extracting %q", tarFile)
}

func extract(baseDir string, tr *tar.Reader) error {
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "reading tar header")
		}
		target := filepath.Join(baseDir, header.Name)
		if !strings.HasPrefix(target, filepath.Clean(baseDir)+string(os.PathSeparator)) {
			return errors.Errorf("invalid path %q in archive", header.Name)
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err = os.MkdirAll(target, 0777); err != nil {
				return errors.Wrapf(err, "creating %q", target)
			}
		case tar.TypeReg:
			if err = os.MkdirAll(filepath.Dir(target), 0777); err != nil {
				return errors.Wrapf(err, "creating directory for %q", target)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode)&0777|0600)
			if err != nil {
				return errors.Wrapf(err, "creating %q", target)
			}
			if _, err = io.Copy(out, tr); err != nil {
				_ = out.Close()
				return errors.Wrapf(err, "writing %q", target)
			}
			if err = out.Close(); err != nil {
				return errors.Wrapf(err, "closing %q", target)
			}
		default:
			klog.V(2).Infof("skipping %q in archive (type %d)", header.Name, header.Typeflag)
		}
	}
}

// DownloadAndUntarIfMissing downloads tarFile from url, if not there yet, and then extracts it into baseDir
// if the directory targetUntarDir is missing. Relative paths are taken relative to baseDir.
//
// If checkHash is provided, it checks that the downloaded file has the given SHA256 hash.
func DownloadAndUntarIfMissing(url, baseDir, tarFile, targetUntarDir, checkHash string) error {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return err
	}
	if !filepath.IsAbs(tarFile) {
		tarFile = filepath.Join(baseDir, tarFile)
	}
	if !filepath.IsAbs(targetUntarDir) {
		targetUntarDir = filepath.Join(baseDir, targetUntarDir)
	}
	if exists, err := fsutil.FileExists(targetUntarDir); err != nil || exists {
		return err
	}
	if err = DownloadIfMissing(url, tarFile, checkHash); err != nil {
		return err
	}
	if err = Untar(baseDir, tarFile); err != nil {
		return err
	}
	if exists, err := fsutil.FileExists(targetUntarDir); err != nil || !exists {
		return errors.Errorf("downloaded %q and extracted %q, but didn't get directory %q", url, tarFile, targetUntarDir)
	}
	return nil
}
