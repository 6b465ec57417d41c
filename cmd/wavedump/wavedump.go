package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/acqlab/scopetrig/packets"
)

func probe(nframes int, endpoint string, verbose bool) error {
	fmt.Printf("Probing %s for the first %d waveforms received...\n", endpoint, nframes)
	conn, err := net.Dial("tcp", endpoint)
	if err != nil {
		return err
	}
	defer conn.Close()

	r := bufio.NewReaderSize(conn, 1<<16)
	for range nframes {
		frame, err := packets.ReadFrame(r)
		if err != nil {
			return err
		}
		fmt.Println(frame.Header.String())
		if !verbose {
			continue
		}
		for _, ch := range frame.Channels {
			fmt.Printf("    %s\n", ch.Header.String())
		}
	}
	return nil
}

func main() {
	var nframes int
	var port int
	var verbose bool
	const default_host = "localhost"
	const default_port = 5602
	host := default_host
	flag.IntVar(&nframes, "n", 10, "Number of waveforms to dump")
	flag.IntVar(&port, "port", default_port, "Waveform server port")
	flag.IntVar(&port, "p", default_port, "Waveform server port (shorthand)")
	flag.BoolVar(&verbose, "v", false, "Also print each channel header")

	flag.Usage = func() {
		fmt.Printf("wavedump, for dumping the first N waveform headers, by default those from localhost:%d\n",
			default_port)
		fmt.Println("Usage: wavedump [flags] [host][:port]")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() > 0 {
		host = flag.Arg(0)

		// If host ends in :portnum, split that off and update the port value
		if pieces := strings.Split(host, ":"); len(pieces) > 1 {
			if len(pieces) > 2 {
				fmt.Printf("Cannot parse host '%s' with %d colon separators\n", host, len(pieces)-1)
				return
			}
			attachedport, err := strconv.Atoi(pieces[1])
			if err != nil {
				fmt.Printf("Cannot convert port '%s' to integer\n", pieces[1])
				return
			}
			if port != default_port && port != attachedport {
				fmt.Printf("Cannot use -p argument and a conflicting host:port pair\n")
				return
			}
			if len(pieces[0]) == 0 {
				host = default_host
			} else {
				host = pieces[0]
			}
			port = attachedport
		}
	}
	endpoint := net.JoinHostPort(host, strconv.Itoa(port))
	if err := probe(nframes, endpoint, verbose); err != nil {
		fmt.Printf("Error: %v\n", err)
	}
}
