package protodetect

import (
	"github.com/kestrelnet/dpiflow/alproto"
	"github.com/kestrelnet/dpiflow/appstate"
	"github.com/kestrelnet/dpiflow/memview"
)

// ftpCommands is the FTP control-channel verb set (RFC 959 §4), used as a
// pattern-match signature: the toserver direction always opens with one of
// these commands.
var ftpCommands = []string{
	"USER", "PASS", "ACCT", "CWD", "CDUP", "SMNT", "REIN", "QUIT",
	"PORT", "PASV", "TYPE", "STRU", "MODE",
	"RETR", "STOR", "STOU", "APPE", "ALLO", "REST", "RNFR", "RNTO",
	"ABOR", "DELE", "RMD", "MKD", "PWD", "LIST", "NLST", "SITE",
	"SYST", "STAT", "HELP", "NOOP",
}

const ftpProbeMaxDepth = 512

// NewFTPControlProbe returns a pattern-match probe for the FTP control
// channel's toserver command lines.
func NewFTPControlProbe(proto alproto.AppProto) Probe {
	return ftpControlProbe{proto: proto}
}

type ftpControlProbe struct {
	proto alproto.AppProto
}

func (ftpControlProbe) Name() string              { return "ftp.control" }
func (ftpControlProbe) Kind() Kind                  { return PatternMatch }
func (p ftpControlProbe) Proto() alproto.AppProto    { return p.proto }
func (ftpControlProbe) FirstDataDir() appstate.DirMask { return appstate.MaskToServer }
func (ftpControlProbe) MaxDepth() int64             { return ftpProbeMaxDepth }

func (p ftpControlProbe) Probe(input memview.MemView, dir appstate.Direction) Result {
	if input.Len() < 4 {
		return Result{Verdict: NeedMoreData}
	}

	for _, cmd := range ftpCommands {
		if int64(len(cmd)) > input.Len() {
			continue
		}
		if input.Index(0, []byte(cmd)) != 0 {
			continue
		}
		sep := input.GetByte(int64(len(cmd)))
		if sep != ' ' && sep != '\r' && sep != '\n' {
			continue
		}
		if input.Index(0, []byte("\r\n")) < 0 && input.Index(0, []byte("\n")) < 0 {
			if input.Len() >= ftpProbeMaxDepth {
				return Result{Verdict: Rejected}
			}
			return Result{Verdict: NeedMoreData}
		}
		return Result{Verdict: Matched, Proto: p.proto}
	}
	return Result{Verdict: Rejected}
}
