// Package model holds the records shared by the Edge and Center nodes.
//
// Key types: Asset, Frame, Detection, Track, AlertEvent, BufferedRecord and
// ConnectionState. Types here carry no behaviour beyond small geometric
// helpers; each record is owned by exactly one component (see the Owner
// notes on each type) and only read by the others.
//
// Dependency rule: model imports nothing from this module.
package model
