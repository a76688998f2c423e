// Package storage provides file-based persistence for the scraper.
//
// Everything lives under a data directory:
//
//	indexes/variables.csv       catalog of (year, group, variable)
//	indexes/raw.csv             index of downloaded raw files
//	indexes/download_errors.txt one line per failed entry
//	raw/<year>/<group>/<variable>.csv
//
// Raw file names are slugs of the normalized group and variable names, with
// "+" spelled "mas". The raw index is the record of what has been collected:
// an entry of the catalog whose file is not indexed is still remaining.
// Files are written to a temporary name and renamed into place.
package storage
