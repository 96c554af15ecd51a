package ews

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	nsTypes    = "http://schemas.microsoft.com/exchange/services/2006/types"
	nsMessages = "http://schemas.microsoft.com/exchange/services/2006/messages"

	serverVersion = "Exchange2010_SP2"
)

// soapClient posts SOAP envelopes to an EWS endpoint with basic auth.
type soapClient struct {
	httpClient *http.Client
	url        string
	username   string
	password   string
}

func newSOAPClient(url, username, password string, httpClient *http.Client) *soapClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 60 * time.Second,
		}
	}
	return &soapClient{
		httpClient: httpClient,
		url:        url,
		username:   username,
		password:   password,
	}
}

// call wraps body in an envelope, posts it and unmarshals the reply into
// out.
func (c *soapClient) call(ctx context.Context, body string, out any) error {
	var envelope bytes.Buffer
	envelope.WriteString(`<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:t="` + nsTypes + `" xmlns:m="` + nsMessages + `">
  <soap:Header><t:RequestServerVersion Version="` + serverVersion + `"/></soap:Header>
  <soap:Body>
`)
	envelope.WriteString(body)
	envelope.WriteString(`
  </soap:Body>
</soap:Envelope>`)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &envelope)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("Accept", "text/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach EWS endpoint: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read EWS response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var fault faultEnvelope
		if xml.Unmarshal(data, &fault) == nil && fault.Fault.String != "" {
			return fmt.Errorf("EWS fault (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(fault.Fault.String))
		}
		return fmt.Errorf("EWS request failed: HTTP %d", resp.StatusCode)
	}

	if err := xml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse EWS response: %w", err)
	}
	return nil
}

type faultEnvelope struct {
	Fault struct {
		String string `xml:"faultstring"`
	} `xml:"Body>Fault"`
}

// responseMessage carries the status fields common to every EWS response
// message.
type responseMessage struct {
	Class string `xml:"ResponseClass,attr"`
	Code  string `xml:"ResponseCode"`
	Text  string `xml:"MessageText"`
}

// responseError is an EWS response message with an error class.
type responseError struct {
	Code string
	Text string
}

func (e *responseError) Error() string {
	if e.Text != "" {
		return e.Code + ": " + e.Text
	}
	return e.Code
}

func (m responseMessage) err() error {
	if m.Class == "Success" || m.Class == "Warning" {
		return nil
	}
	return &responseError{Code: m.Code, Text: m.Text}
}

type itemID struct {
	ID        string `xml:"Id,attr"`
	ChangeKey string `xml:"ChangeKey,attr"`
}

// syncFolderItems

type syncFolderItemsEnvelope struct {
	Message syncFolderItemsMessage `xml:"Body>SyncFolderItemsResponse>ResponseMessages>SyncFolderItemsResponseMessage"`
}

type syncFolderItemsMessage struct {
	responseMessage
	SyncState string `xml:"SyncState"`
	Last      bool   `xml:"IncludesLastItemInRange"`
	Changes   struct {
		Entries []change `xml:",any"`
	} `xml:"Changes"`
}

// change is a Create, Update, Delete or ReadFlagChange element. Create and
// Update wrap a typed item element; Delete carries the ItemId directly.
type change struct {
	XMLName xml.Name
	ItemID  *itemID `xml:"ItemId"`
	Items   []struct {
		XMLName xml.Name
		ItemID  itemID `xml:"ItemId"`
	} `xml:",any"`
}

func syncFolderItemsBody(folder, syncState string, maxChanges int) string {
	var b strings.Builder
	b.WriteString(`    <m:SyncFolderItems>
      <m:ItemShape><t:BaseShape>IdOnly</t:BaseShape></m:ItemShape>
      <m:SyncFolderId>`)
	b.WriteString(folderElement(folder))
	b.WriteString(`</m:SyncFolderId>
`)
	if syncState != "" {
		b.WriteString("      <m:SyncState>")
		xml.EscapeText(&b, []byte(syncState))
		b.WriteString("</m:SyncState>\n")
	}
	fmt.Fprintf(&b, "      <m:MaxChangesReturned>%d</m:MaxChangesReturned>\n", maxChanges)
	b.WriteString("    </m:SyncFolderItems>")
	return b.String()
}

// folderElement addresses the calendar distinguished folder by name and any
// other value as a folder id.
func folderElement(folder string) string {
	var b strings.Builder
	if strings.EqualFold(folder, "calendar") {
		b.WriteString(`<t:DistinguishedFolderId Id="calendar"/>`)
		return b.String()
	}
	b.WriteString(`<t:FolderId Id="`)
	xml.EscapeText(&b, []byte(folder))
	b.WriteString(`"/>`)
	return b.String()
}

// getItem

type getItemEnvelope struct {
	Messages []getItemMessage `xml:"Body>GetItemResponse>ResponseMessages>GetItemResponseMessage"`
}

type getItemMessage struct {
	responseMessage
	Items struct {
		Entries []struct {
			XMLName     xml.Name
			ItemID      itemID `xml:"ItemId"`
			MimeContent string `xml:"MimeContent"`
		} `xml:",any"`
	} `xml:"Items"`
}

func getItemBody(ids []string) string {
	var b strings.Builder
	b.WriteString(`    <m:GetItem>
      <m:ItemShape>
        <t:BaseShape>IdOnly</t:BaseShape>
        <t:IncludeMimeContent>true</t:IncludeMimeContent>
      </m:ItemShape>
      <m:ItemIds>
`)
	for _, id := range ids {
		b.WriteString(`        <t:ItemId Id="`)
		xml.EscapeText(&b, []byte(id))
		b.WriteString("\"/>\n")
	}
	b.WriteString(`      </m:ItemIds>
    </m:GetItem>`)
	return b.String()
}
