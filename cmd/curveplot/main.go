// Command curveplot renders the response curve of every binding in a venue
// document, one image per binding, as a tuning aid.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/presence.field/internal/config"
	"github.com/banshee-data/presence.field/internal/curves"
)

var (
	venuePath = flag.String("venue", config.DefaultVenuePath, "Venue document to read bindings from")
	outDir    = flag.String("out", "curves", "Directory to write images to")
	format    = flag.String("format", "png", "Image format: png, svg or pdf")
	zoneID    = flag.String("zone", "", "Only plot bindings of this zone")
)

// plotFile names the image for binding i of zone z.
func plotFile(dir, zone string, i int, b config.BindingConfig, ext string) string {
	name := fmt.Sprintf("%s_%02d_%s_%s.%s", zone, i, b.Parameter, b.Input, ext)
	return filepath.Join(dir, strings.NewReplacer("/", "-", " ", "-").Replace(name))
}

// plotVenue writes one image per binding and returns the paths written.
func plotVenue(cfg *config.VenueConfig, dir, ext, onlyZone string) ([]string, error) {
	switch ext {
	case "png", "svg", "pdf":
	default:
		return nil, fmt.Errorf("unsupported format %q", ext)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	var written []string
	for _, z := range cfg.Zones {
		if onlyZone != "" && z.ID != onlyZone {
			continue
		}
		for i, bc := range z.Bindings {
			b, err := curves.NewBinding(bc)
			if err != nil {
				return written, fmt.Errorf("zone %s binding %d: %w", z.ID, i, err)
			}
			title := fmt.Sprintf("%s: %s -> %s", z.ID, bc.Input, bc.Parameter)
			path := plotFile(dir, z.ID, i, bc, ext)
			if err := b.Plot(title, path); err != nil {
				return written, err
			}
			written = append(written, path)
		}
	}
	if onlyZone != "" && len(written) == 0 {
		return nil, fmt.Errorf("zone %q has no bindings or does not exist", onlyZone)
	}
	return written, nil
}

func main() {
	flag.Parse()

	cfg, err := config.LoadVenue(*venuePath)
	if err != nil {
		log.Fatalf("failed to load venue: %v", err)
	}
	paths, err := plotVenue(cfg, *outDir, strings.ToLower(*format), *zoneID)
	if err != nil {
		log.Fatal(err)
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	log.Printf("wrote %d curve plots to %s", len(paths), *outDir)
}
