// Command dpiflowcap drives a pcap file or live interface through the
// dpiflow application-layer dispatch core, optionally exporting completed
// HTTP transactions as HAR.
package main

func main() {
	Execute()
}
