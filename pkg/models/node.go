package models

import "time"

// NodeType distinguishes directories from files in a listing tree.
type NodeType string

const (
	NodeDir  NodeType = "dir"
	NodeFile NodeType = "file"
)

// Node is a directory or file in the listing tree of one archive.
// Directories carry Children; files carry Info.
type Node struct {
	Type     NodeType         `json:"type"`
	Children map[string]*Node `json:"children,omitempty"`
	Info     *FileInfo        `json:"info,omitempty"`
}

// FileInfo describes one archive member as shown in a listing.
type FileInfo struct {
	Path           string    `json:"filename"`
	Size           uint64    `json:"file_size"`
	CompressedSize uint64    `json:"compress_size"`
	Method         Method    `json:"method"`
	Modified       time.Time `json:"modified"`
	IsText         bool      `json:"is_text"`
	IsImage        bool      `json:"is_image"`

	// Offset is the member's local header offset, used to order duplicates.
	Offset uint64 `json:"-"`
}

// NewDir returns an empty directory node.
func NewDir() *Node {
	return &Node{Type: NodeDir, Children: make(map[string]*Node)}
}

// IsDir reports whether n is a directory node.
func (n *Node) IsDir() bool {
	return n != nil && n.Type == NodeDir
}
