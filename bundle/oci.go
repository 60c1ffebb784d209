package bundle

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// Pusher publishes a bundle to an OCI registry. The image carries two
// layers: a tar of the observer files and the JSON manifest.
type Pusher struct {
	bundle      *Bundle
	observerDir string
}

// NewPusher creates a pusher for a built bundle.
func NewPusher(bundle *Bundle) *Pusher {
	return &Pusher{bundle: bundle}
}

// WithObserverDir sets the directory the manifest's observer files are
// read from.
func (p *Pusher) WithObserverDir(dir string) *Pusher {
	p.observerDir = dir
	return p
}

// Push writes the bundle image to the registry named by imageRef.
func (p *Pusher) Push(imageRef string) error {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return fmt.Errorf("parsing reference: %w", err)
	}

	img := empty.Image

	if p.observerDir != "" && len(p.bundle.ObserverFiles) > 0 {
		layerBytes, err := createLayerTar(p.observerDir, p.bundle.ObserverFiles)
		if err != nil {
			return fmt.Errorf("creating observers layer: %w", err)
		}
		layer, err := tarball.LayerFromReader(bytes.NewReader(layerBytes))
		if err != nil {
			return fmt.Errorf("creating observers layer image: %w", err)
		}
		img, err = mutate.AppendLayers(img, layer)
		if err != nil {
			return fmt.Errorf("appending observers layer: %w", err)
		}
	}

	manifestJSON, err := json.Marshal(p.bundle)
	if err != nil {
		return fmt.Errorf("marshaling bundle: %w", err)
	}
	manifestLayer, err := tarball.LayerFromReader(bytes.NewReader(manifestJSON))
	if err != nil {
		return fmt.Errorf("creating bundle layer: %w", err)
	}
	img, err = mutate.AppendLayers(img, manifestLayer)
	if err != nil {
		return fmt.Errorf("appending bundle layer: %w", err)
	}

	configFile, err := img.ConfigFile()
	if err != nil {
		return fmt.Errorf("getting config file: %w", err)
	}
	configFile.Config.Labels = map[string]string{
		"org.usersim.bundle.name":      p.bundle.Name,
		"org.usersim.bundle.version":   p.bundle.Version,
		"org.usersim.bundle.pack_hash": p.bundle.PackHash,
	}
	img, err = mutate.Config(img, configFile.Config)
	if err != nil {
		return fmt.Errorf("updating image config: %w", err)
	}

	if err := remote.Write(ref, img, remote.WithAuthFromKeychain(authn.DefaultKeychain)); err != nil {
		return fmt.Errorf("pushing image: %w", err)
	}
	return nil
}

// createLayerTar archives the named files relative to dir.
func createLayerTar(dir string, files []string) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, file := range files {
		data, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			return nil, fmt.Errorf("reading file %s: %w", file, err)
		}
		if err := tw.WriteHeader(&tar.Header{
			Name: file,
			Size: int64(len(data)),
			Mode: 0o644,
		}); err != nil {
			return nil, fmt.Errorf("writing header for %s: %w", file, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("writing content for %s: %w", file, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Puller fetches bundles from an OCI registry.
type Puller struct {
	outputDir string
}

// NewPuller creates a puller. When outputDir is non-empty, Pull also
// extracts the observer files under outputDir/observers and writes the
// manifest to outputDir/bundle.json.
func NewPuller(outputDir string) *Puller {
	return &Puller{outputDir: outputDir}
}

// Pull fetches the bundle image named by imageRef.
func (p *Puller) Pull(imageRef string) (*Bundle, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return nil, fmt.Errorf("parsing reference: %w", err)
	}

	img, err := remote.Image(ref, remote.WithAuthFromKeychain(authn.DefaultKeychain))
	if err != nil {
		return nil, fmt.Errorf("pulling image: %w", err)
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("getting layers: %w", err)
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("image has no layers")
	}

	// The manifest is always the last layer.
	manifestContent, err := layers[len(layers)-1].Uncompressed()
	if err != nil {
		return nil, fmt.Errorf("getting bundle layer: %w", err)
	}
	defer manifestContent.Close()

	manifestData, err := io.ReadAll(manifestContent)
	if err != nil {
		return nil, fmt.Errorf("reading bundle data: %w", err)
	}

	var bundle Bundle
	if err := json.Unmarshal(manifestData, &bundle); err != nil {
		return nil, fmt.Errorf("unmarshaling bundle: %w", err)
	}

	if p.outputDir != "" {
		observerDir := filepath.Join(p.outputDir, "observers")
		if err := os.MkdirAll(observerDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", observerDir, err)
		}

		for i, layer := range layers[:len(layers)-1] {
			rc, err := layer.Uncompressed()
			if err != nil {
				return nil, fmt.Errorf("getting layer %d: %w", i, err)
			}
			if err := extractTarLayer(rc, observerDir); err != nil {
				rc.Close()
				return nil, fmt.Errorf("extracting layer %d: %w", i, err)
			}
			rc.Close()
		}

		manifestFile := filepath.Join(p.outputDir, "bundle.json")
		if err := os.WriteFile(manifestFile, manifestData, 0o644); err != nil {
			return nil, fmt.Errorf("writing bundle file: %w", err)
		}
	}

	return &bundle, nil
}

// extractTarLayer unpacks a tar stream into targetDir.
func extractTarLayer(r io.Reader, targetDir string) error {
	tr := tar.NewReader(r)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar header: %w", err)
		}
		if header.FileInfo().IsDir() {
			continue
		}

		targetPath := filepath.Join(targetDir, header.Name)
		if !strings.HasPrefix(targetPath, filepath.Clean(targetDir)+string(os.PathSeparator)) {
			return fmt.Errorf("tar entry %q escapes extraction directory", header.Name)
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", targetPath, err)
		}

		file, err := os.Create(targetPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", targetPath, err)
		}
		if _, err := io.Copy(file, tr); err != nil {
			file.Close()
			return fmt.Errorf("writing to %s: %w", targetPath, err)
		}
		file.Close()
	}
	return nil
}
