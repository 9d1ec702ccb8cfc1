package printavo

import (
	"path/filepath"
	"time"

	"printavo-archive/internal/entity"
	"printavo-archive/pkg/fsutil"
)

const ManifestName = "manifest.json"

func newManifest(order entity.Entity, sourceURL string, files []ScrapedFile, scrapedAt time.Time) Manifest {
	orderID, _ := entity.ID(order)
	customer := entity.Customer(order)
	customerID, ok := entity.ID(customer)
	if !ok {
		customerID, _ = entity.Int(order, "customer_id")
	}

	return Manifest{
		OrderID:       orderID,
		VisualID:      entity.VisualID(order),
		OrderNickname: entity.Str(order, "order_nickname"),
		CustomerID:    customerID,
		CustomerName:  entity.CustomerName(customer),
		CreatedAt:     entity.Str(order, "created_at"),
		ScrapedAt:     scrapedAt,
		SourceURL:     sourceURL,
		Files:         files,
	}
}

// WriteManifest atomically writes the manifest into dir.
func WriteManifest(dir string, m Manifest) error {
	return fsutil.WriteJSON(filepath.Join(dir, ManifestName), m)
}

func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	err := fsutil.ReadJSON(filepath.Join(dir, ManifestName), &m)
	return m, err
}
