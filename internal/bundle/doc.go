// Package bundle reads and writes .mpk application bundles.
//
// A bundle is a zip container holding a root manifest.json, the code entry
// point under code/, optional assets/ and an optional signature.sig and
// certificate.cer pair. Open parses and validates the manifest up front and
// keeps the archive handle open so individual members can be streamed on
// demand until Close.
package bundle
