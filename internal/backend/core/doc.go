// Package core implements the fleet-management installer: it reads a
// remote configuration document, stages a signed core archive and its
// resources, and drives the ggconf tool to install, restore and check the
// installation.
package core
