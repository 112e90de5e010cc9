package plist

import (
	"strings"
	"testing"
)

const entitlementsXML = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>com.apple.private.security.container-required</key>
	<false/>
	<key>platform-application</key>
	<true/>
	<key>application-identifier</key>
	<string>ABCDE12345.com.example.app</string>
	<key>keychain-access-groups</key>
	<array>
		<string>ABCDE12345.com.example.app</string>
	</array>
</dict>
</plist>
`

func TestDecodeXMLEntitlements(t *testing.T) {
	var m map[string]any
	if err := NewXMLDecoder(strings.NewReader(entitlementsXML)).Decode(&m); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m["com.apple.private.security.container-required"] != false {
		t.Errorf("container-required = %v, want false", m["com.apple.private.security.container-required"])
	}
	if m["platform-application"] != true {
		t.Errorf("platform-application = %v, want true", m["platform-application"])
	}
	if m["application-identifier"] != "ABCDE12345.com.example.app" {
		t.Errorf("application-identifier = %v", m["application-identifier"])
	}
	groups, ok := m["keychain-access-groups"].([]any)
	if !ok || len(groups) != 1 || groups[0] != "ABCDE12345.com.example.app" {
		t.Errorf("keychain-access-groups = %v", m["keychain-access-groups"])
	}
}

func TestDecodeXMLNestedDict(t *testing.T) {
	const src = `<plist version="1.0"><dict>
		<key>outer</key>
		<dict>
			<key>inner</key>
			<integer>42</integer>
		</dict>
	</dict></plist>`
	var m map[string]any
	if err := NewXMLDecoder(strings.NewReader(src)).Decode(&m); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	inner, ok := m["outer"].(map[string]any)
	if !ok {
		t.Fatalf("outer = %T, want map[string]any", m["outer"])
	}
	if inner["inner"] != int64(42) {
		t.Errorf("inner = %v, want int64(42)", inner["inner"])
	}
}

func TestSniffDecoderXMLFallback(t *testing.T) {
	d, err := NewDecoder([]byte(entitlementsXML))
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	var m map[string]any
	if err := d.Decode(&m); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(m) == 0 {
		t.Fatal("expected non-empty dictionary")
	}
}
