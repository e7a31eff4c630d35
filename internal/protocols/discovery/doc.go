// Package discovery implements the device discovery protocol: an owner asks
// the server which devices a remote identity has and, when the server does
// not know, asks the remote directly over the asymmetric channel.
package discovery
