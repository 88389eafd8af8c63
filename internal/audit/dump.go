package audit

import (
	"encoding/xml"
	"os"

	"github.com/yanun0323/errors"
)

// XML element shapes for the dumped log file, one per record kind.

type xmlUserCommand struct {
	XMLName        xml.Name `xml:"userCommand"`
	Timestamp      int64    `xml:"timestamp"`
	Server         string   `xml:"server"`
	TransactionNum int64    `xml:"transactionNum"`
	Command        string   `xml:"command"`
	Username       string   `xml:"username,omitempty"`
	StockSymbol    string   `xml:"stockSymbol,omitempty"`
	Filename       string   `xml:"filename,omitempty"`
	Funds          string   `xml:"funds,omitempty"`
}

type xmlQuoteServer struct {
	XMLName        xml.Name `xml:"quoteServer"`
	Timestamp      int64    `xml:"timestamp"`
	Server         string   `xml:"server"`
	TransactionNum int64    `xml:"transactionNum"`
	Price          string   `xml:"price"`
	StockSymbol    string   `xml:"stockSymbol"`
	Username       string   `xml:"username"`
	Cryptokey      string   `xml:"cryptokey"`
}

type xmlAccountTransaction struct {
	XMLName        xml.Name `xml:"accountTransaction"`
	Timestamp      int64    `xml:"timestamp"`
	Server         string   `xml:"server"`
	TransactionNum int64    `xml:"transactionNum"`
	Action         string   `xml:"action"`
	Username       string   `xml:"username"`
	Funds          string   `xml:"funds"`
}

type xmlSystemEvent struct {
	XMLName        xml.Name `xml:"systemEvent"`
	Timestamp      int64    `xml:"timestamp"`
	Server         string   `xml:"server"`
	TransactionNum int64    `xml:"transactionNum"`
	Command        string   `xml:"command"`
	Username       string   `xml:"username,omitempty"`
	StockSymbol    string   `xml:"stockSymbol,omitempty"`
	Action         string   `xml:"action,omitempty"`
}

type xmlErrorEvent struct {
	XMLName        xml.Name `xml:"errorEvent"`
	Timestamp      int64    `xml:"timestamp"`
	Server         string   `xml:"server"`
	TransactionNum int64    `xml:"transactionNum"`
	Command        string   `xml:"command"`
	Username       string   `xml:"username,omitempty"`
	StockSymbol    string   `xml:"stockSymbol,omitempty"`
	ErrorMessage   string   `xml:"errorMessage,omitempty"`
}

// Dump writes the stored log for a user (or all users when userID is
// empty) to an XML file.
func (a *Log) Dump(filename, userID string) error {
	recs, err := a.store.List(userID)
	if err != nil {
		return errors.Wrap(err, "list audit records")
	}

	f, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "create dump file")
	}
	defer f.Close()

	if _, err := f.WriteString(xml.Header + "<log>\n"); err != nil {
		return errors.Wrap(err, "write log header")
	}

	enc := xml.NewEncoder(f)
	enc.Indent("  ", "  ")
	for _, rec := range recs {
		if err := enc.Encode(toElement(rec)); err != nil {
			return errors.Wrap(err, "encode record")
		}
	}
	if err := enc.Flush(); err != nil {
		return errors.Wrap(err, "flush encoder")
	}

	if _, err := f.WriteString("\n</log>\n"); err != nil {
		return errors.Wrap(err, "write log footer")
	}
	return nil
}

func toElement(rec Record) any {
	switch rec.Kind {
	case KindQuoteServer:
		return xmlQuoteServer{
			Timestamp:      rec.Timestamp,
			Server:         rec.Server,
			TransactionNum: rec.TransactionNum,
			Price:          rec.Price,
			StockSymbol:    rec.StockSymbol,
			Username:       rec.Username,
			Cryptokey:      rec.Cryptokey,
		}
	case KindAccountTransaction:
		return xmlAccountTransaction{
			Timestamp:      rec.Timestamp,
			Server:         rec.Server,
			TransactionNum: rec.TransactionNum,
			Action:         rec.Action,
			Username:       rec.Username,
			Funds:          rec.Funds,
		}
	case KindSystemEvent:
		return xmlSystemEvent{
			Timestamp:      rec.Timestamp,
			Server:         rec.Server,
			TransactionNum: rec.TransactionNum,
			Command:        rec.Command,
			Username:       rec.Username,
			StockSymbol:    rec.StockSymbol,
			Action:         rec.Action,
		}
	case KindErrorEvent:
		return xmlErrorEvent{
			Timestamp:      rec.Timestamp,
			Server:         rec.Server,
			TransactionNum: rec.TransactionNum,
			Command:        rec.Command,
			Username:       rec.Username,
			StockSymbol:    rec.StockSymbol,
			ErrorMessage:   rec.ErrorMessage,
		}
	default:
		return xmlUserCommand{
			Timestamp:      rec.Timestamp,
			Server:         rec.Server,
			TransactionNum: rec.TransactionNum,
			Command:        rec.Command,
			Username:       rec.Username,
			StockSymbol:    rec.StockSymbol,
			Filename:       rec.Filename,
			Funds:          rec.Funds,
		}
	}
}
