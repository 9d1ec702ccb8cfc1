package printavo

import (
	"time"

	"printavo-archive/internal/filetype"
)

// ScrapedFile is one file discovered on an order's detail page. Size and
// Downloaded are filled in once the download settles.
type ScrapedFile struct {
	URL        string        `json:"url"`
	Filename   string        `json:"filename"`
	Type       filetype.Type `json:"type"`
	Source     string        `json:"source"`
	OrderID    int64         `json:"order_id,omitempty"`
	SizeBytes  int64         `json:"size_bytes"`
	Downloaded bool          `json:"downloaded"`
}

// Manifest is written next to the files of every scraped order.
type Manifest struct {
	OrderID       int64         `json:"order_id"`
	VisualID      string        `json:"visual_id"`
	OrderNickname string        `json:"order_nickname"`
	CustomerID    int64         `json:"customer_id"`
	CustomerName  string        `json:"customer_name"`
	CreatedAt     string        `json:"created_at"`
	ScrapedAt     time.Time     `json:"scraped_at"`
	SourceURL     string        `json:"source_url"`
	Files         []ScrapedFile `json:"files"`
}

type Stats struct {
	OrdersProcessed int64    `json:"orders_processed"`
	OrdersWithFiles int64    `json:"orders_with_files"`
	OrdersSkipped   int64    `json:"orders_skipped"`
	FilesFound      int64    `json:"files_found"`
	FilesDownloaded int64    `json:"files_downloaded"`
	BytesDownloaded int64    `json:"bytes_downloaded"`
	FilesSkipped    int64    `json:"files_skipped"`
	FilesFailed     int64    `json:"files_failed"`
	Errors          int64    `json:"errors"`
	RecentErrors    []string `json:"error_messages"`
}
