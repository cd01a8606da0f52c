// Package luks is the encryption gateway: cryptsetup format, open and
// close over a mapped block device, producing the cleartext overlay the
// filesystem layer works on. The overlay must be closed before the
// device beneath it is unmapped.
package luks
