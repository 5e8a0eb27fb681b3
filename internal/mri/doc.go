// Package mri holds the shared data model for the k-space streaming pipeline.
//
// Responsibilities: acquisition records with their role flags and encoding
// indices, spatial pose, and the image/waveform items that pass through the
// stream untouched. Processing lives in the subpackages (geom, girf, whiten,
// segments, sorter, router, pipeline); this package has no inward dependencies
// on any of them.
package mri
