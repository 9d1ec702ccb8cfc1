package archive

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"printavo-archive/internal/entity"
	"printavo-archive/internal/scrapers/printavo"
)

// Index is one of the lookup documents kept under index/.
type Index interface {
	stamp(t time.Time)
}

type indexHeader struct {
	Type        string    `json:"type"`
	GeneratedAt time.Time `json:"generated_at"`
}

func (h *indexHeader) stamp(t time.Time) {
	h.GeneratedAt = t
}

type OrderEntry struct {
	ID            int64  `json:"id"`
	VisualID      string `json:"visual_id"`
	Nickname      string `json:"nickname"`
	CustomerID    int64  `json:"customer_id,omitempty"`
	CustomerName  string `json:"customer_name"`
	CreatedAt     string `json:"created_at"`
	Total         any    `json:"total"`
	Status        string `json:"status"`
	LineItemCount int    `json:"line_item_count"`
}

type OrdersIndex struct {
	indexHeader
	Count  int                   `json:"count"`
	Orders map[string]OrderEntry `json:"orders"`
}

// GenerateOrdersIndex keys orders by visual id, falling back to the id.
func GenerateOrdersIndex(orders []entity.Entity) *OrdersIndex {
	idx := &OrdersIndex{
		indexHeader: indexHeader{Type: "orders_index"},
		Count:       len(orders),
		Orders:      map[string]OrderEntry{},
	}
	for _, order := range orders {
		id, ok := entity.ID(order)
		if !ok {
			continue
		}
		customer := entity.Customer(order)
		customerID, ok := entity.ID(customer)
		if !ok {
			customerID, _ = entity.Int(order, "customer_id")
		}

		total := order["order_total"]
		if total == nil {
			total = order["total"]
		}

		idx.Orders[entity.VisualID(order)] = OrderEntry{
			ID:            id,
			VisualID:      entity.Str(order, "visual_id"),
			Nickname:      entity.Str(order, "order_nickname"),
			CustomerID:    customerID,
			CustomerName:  entity.CustomerName(customer),
			CreatedAt:     entity.Date(order, "created_at"),
			Total:         total,
			Status:        entity.Str(entity.Object(order, "orderstatus"), "name"),
			LineItemCount: entity.Count(order, "lineitems_attributes"),
		}
	}
	return idx
}

type CustomerEntry struct {
	ID          int64  `json:"id"`
	CompanyName string `json:"company_name"`
	FullName    string `json:"full_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	CreatedAt   string `json:"created_at"`
}

type CustomersIndex struct {
	indexHeader
	Count     int                      `json:"count"`
	Customers map[string]CustomerEntry `json:"customers"`
}

func GenerateCustomersIndex(customers []entity.Entity) *CustomersIndex {
	idx := &CustomersIndex{
		indexHeader: indexHeader{Type: "customers_index"},
		Count:       len(customers),
		Customers:   map[string]CustomerEntry{},
	}
	for _, c := range customers {
		id, ok := entity.ID(c)
		if !ok {
			continue
		}
		email := entity.Str(c, "email")
		if email == "" {
			email = entity.Str(c, "customer_email")
		}
		idx.Customers[entity.Key(c)] = CustomerEntry{
			ID:          id,
			CompanyName: entity.Str(c, "company_name"),
			FullName:    entity.Str(c, "full_name"),
			Email:       email,
			Phone:       entity.Str(c, "phone"),
			CreatedAt:   entity.Date(c, "created_at"),
		}
	}
	return idx
}

type CustomerFolder struct {
	Folder     string   `json:"folder"`
	OrderCount int      `json:"order_count"`
	FileCount  int      `json:"file_count"`
	TotalSize  int64    `json:"total_size"`
	Years      []string `json:"years"`
}

type OrderFolder struct {
	CustomerFolder string `json:"customer_folder"`
	Year           string `json:"year"`
	Folder         string `json:"folder"`
	FileCount      int    `json:"file_count"`
	CreatedAt      string `json:"created_at"`
}

type ArtworkIndex struct {
	indexHeader
	Customers  map[string]CustomerFolder `json:"customers"`
	Orders     map[string]OrderFolder    `json:"orders"`
	TotalFiles int                       `json:"total_files"`
	TotalSize  int64                     `json:"total_size"`
}

func subdirs(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e)
		}
	}
	return out, nil
}

// GenerateArtworkIndex walks localRoot/by_customer/{customer}/{year}/{order}
// and summarizes it. Orders with a manifest are listed by visual id, files
// are counted either way.
func GenerateArtworkIndex(localRoot string) (*ArtworkIndex, error) {
	idx := &ArtworkIndex{
		indexHeader: indexHeader{Type: "artwork_index"},
		Customers:   map[string]CustomerFolder{},
		Orders:      map[string]OrderFolder{},
	}

	root := filepath.Join(localRoot, "by_customer")
	customers, err := subdirs(root)
	if errors.Is(err, os.ErrNotExist) {
		return idx, nil
	}
	if err != nil {
		return nil, err
	}

	for _, customerDir := range customers {
		info := CustomerFolder{Folder: customerDir.Name(), Years: []string{}}

		years, err := subdirs(filepath.Join(root, customerDir.Name()))
		if err != nil {
			return nil, err
		}
		for _, yearDir := range years {
			info.Years = append(info.Years, yearDir.Name())

			yearPath := filepath.Join(root, customerDir.Name(), yearDir.Name())
			orders, err := subdirs(yearPath)
			if err != nil {
				return nil, err
			}
			for _, orderDir := range orders {
				info.OrderCount++
				orderPath := filepath.Join(yearPath, orderDir.Name())

				manifest, err := printavo.ReadManifest(orderPath)
				if err == nil {
					visualID := manifest.VisualID
					if visualID == "" {
						visualID = orderDir.Name()
					}
					idx.Orders[visualID] = OrderFolder{
						CustomerFolder: customerDir.Name(),
						Year:           yearDir.Name(),
						Folder:         orderDir.Name(),
						FileCount:      len(manifest.Files),
						CreatedAt:      manifest.CreatedAt,
					}
				}

				files, err := os.ReadDir(orderPath)
				if err != nil {
					return nil, err
				}
				for _, f := range files {
					if f.IsDir() || f.Name() == printavo.ManifestName || filepath.Ext(f.Name()) == ".part" {
						continue
					}
					fi, err := f.Info()
					if err != nil {
						return nil, err
					}
					info.FileCount++
					info.TotalSize += fi.Size()
				}
			}
		}

		sort.Strings(info.Years)
		idx.Customers[customerDir.Name()] = info
		idx.TotalFiles += info.FileCount
		idx.TotalSize += info.TotalSize
	}
	return idx, nil
}
