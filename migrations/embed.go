// SPDX-License-Identifier: Apache-2.0

// Package migrations embeds the SQL files applied by postgres.EnsureSchema.
package migrations

import (
	"embed"
	"io/fs"
	"sort"
)

//go:embed *.sql
var embeddedFiles embed.FS

type File struct {
	Name string
	SQL  string
}

// Ordered returns the embedded migrations sorted by file name.
func Ordered() ([]File, error) {
	names, err := fs.Glob(embeddedFiles, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	files := make([]File, 0, len(names))
	for _, name := range names {
		body, err := embeddedFiles.ReadFile(name)
		if err != nil {
			return nil, err
		}
		files = append(files, File{Name: name, SQL: string(body)})
	}

	return files, nil
}
