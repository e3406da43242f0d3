// Package main implements gridrow-import, which loads an XLSX or CSV file
// into a new table, guessing field kinds from the data.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/thedatashed/xlsxreader"

	"github.com/gridrow/gridrow/internal/config"
	"github.com/gridrow/gridrow/internal/observability"
	"github.com/gridrow/gridrow/internal/store"
)

func main() {
	var (
		configFile string
		dataDir    string
		filePath   string
		tableName  string
		noHeader   bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&filePath, "file", "", "XLSX or CSV file to import")
	flag.StringVar(&tableName, "table", "", "Name of the new table (default: file name)")
	flag.BoolVar(&noHeader, "no-header", false, "Treat the first row as data, not field names")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "gridrow-import - Load a spreadsheet into a new table\n\n")
		fmt.Fprintf(os.Stderr, "Usage: gridrow-import --file data.xlsx [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if filePath == "" {
		flag.Usage()
		os.Exit(2)
	}
	if tableName == "" {
		base := filepath.Base(filePath)
		tableName = strings.TrimSuffix(base, filepath.Ext(base))
	}

	cfg, err := loadConfig(configFile, dataDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	grid, err := readGrid(filePath)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", filePath, err)
	}
	if len(grid) == 0 {
		log.Fatalf("%s contains no rows", filePath)
	}

	ctx := context.Background()
	s, err := store.Open(ctx, cfg, nil)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()

	bar := progressbar.NewOptions64(
		int64(len(grid)),
		progressbar.OptionSetDescription(fmt.Sprintf("Importing %s", tableName)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Fprint(os.Stderr, "\n") }),
	)
	progress := observability.ProgressFunc(func(by int, state string) {
		_ = bar.Add(by)
	})

	table, err := s.CreateTableFromGrid(ctx, tableName, grid, !noHeader, progress)
	if err != nil {
		log.Fatalf("Import failed: %v", err)
	}
	rows, err := s.QueryRows(table.ID, store.Query{})
	if err != nil {
		log.Fatalf("Reading back table %d: %v", table.ID, err)
	}
	fmt.Printf("Created table %q (id %d) with %d fields and %d rows\n",
		table.Name, table.ID, len(table.Fields), len(rows))
}

func loadConfig(configFile, dataDir string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readGrid loads the file into a rectangular grid of cell strings.
func readGrid(path string) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return readXLSX(path)
	case ".csv":
		return readCSV(path)
	default:
		return nil, fmt.Errorf("unsupported file type %s (want .xlsx or .csv)", filepath.Ext(path))
	}
}

func readXLSX(path string) ([][]string, error) {
	xl, err := xlsxreader.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer xl.Close()
	if len(xl.Sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}

	var grid [][]string
	width := 0
	for row := range xl.ReadRows(xl.Sheets[0]) {
		if row.Error != nil {
			return nil, row.Error
		}
		cells := make([]string, 0, len(row.Cells))
		for _, cell := range row.Cells {
			// Sparse rows: pad the gap up to the cell's column.
			for len(cells) < cell.ColumnIndex() {
				cells = append(cells, "")
			}
			cells = append(cells, cell.Value)
		}
		if len(cells) > width {
			width = len(cells)
		}
		grid = append(grid, cells)
	}
	for i, row := range grid {
		for len(row) < width {
			row = append(row, "")
		}
		grid[i] = row
	}
	return grid, nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	return r.ReadAll()
}
