// Package composer discovers and ranks transformation chains over the service catalog.
//
// Formats are nodes and services are edges. [Composer.Compose] runs a breadth-first search
// bounded by a maximum hop count, reconciles hop shapes with [models.ResolveShape] while
// expanding, and returns candidate chains sorted by ascending aggregate cost with uncosted
// chains last. Ties keep discovery order, so shorter chains come first.
//
// [Composer.Verify] checks an explicit chain named by service ids against the catalog.
package composer
