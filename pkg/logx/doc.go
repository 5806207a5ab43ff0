// Package logx is the structured logging layer: a small Logger over zerolog
// with readable console output, JSON lines for files and shippers, and a
// Service that swaps level and outputs on config reload.
package logx
