// Package meshdata reads the allMeSH dataset: conversion of the latin-1 JSON
// dump to UTF-8 JSON lines, article scanning, and MeSH tag frequencies used to
// find under-represented tags.
package meshdata
