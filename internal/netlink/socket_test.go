package netlink

import "testing"

func TestBuildGetFamilyRequestIsWellFormed(t *testing.T) {
	req := buildGetFamilyRequest(4242, "batman_adv")
	if len(req) < 20 {
		t.Fatalf("request too short: %d bytes", len(req))
	}
	if req[16] != ctrlCmdGetFamily {
		t.Fatalf("cmd = %d, want %d", req[16], ctrlCmdGetFamily)
	}
}

func TestParseFamilyIDFindsAttribute(t *testing.T) {
	// header(16) + genl header(4) + attr(id=1,len=6,val=uint16(99))
	b := make([]byte, 20+8)
	b[20] = 6
	b[21] = 0
	b[22] = ctrlAttrFamilyID
	b[23] = 0
	b[24] = 99
	b[25] = 0

	id, err := parseFamilyID(b)
	if err != nil {
		t.Fatalf("parseFamilyID: %v", err)
	}
	if id != 99 {
		t.Fatalf("family id = %d, want 99", id)
	}
}

func TestParseFamilyIDMissingAttributeErrors(t *testing.T) {
	b := make([]byte, 20)
	if _, err := parseFamilyID(b); err == nil {
		t.Fatal("expected error when CTRL_ATTR_FAMILY_ID is absent")
	}
}

func TestParseFamilyIDSkipsOtherAttributes(t *testing.T) {
	// a FAMILY_NAME attr (padded to 4) followed by the FAMILY_ID attr.
	name := []byte("batman_adv\x00")
	nameAttrLen := 4 + len(name)
	padded := align4(nameAttrLen)
	b := make([]byte, 20+padded+8)

	putU16 := func(off int, v uint16) {
		b[off] = byte(v)
		b[off+1] = byte(v >> 8)
	}
	putU16(20, uint16(nameAttrLen))
	putU16(22, ctrlAttrFamilyName)
	copy(b[24:24+len(name)], name)

	off := 20 + padded
	putU16(off, 6)
	putU16(off+2, ctrlAttrFamilyID)
	putU16(off+4, 7)

	id, err := parseFamilyID(b)
	if err != nil {
		t.Fatalf("parseFamilyID: %v", err)
	}
	if id != 7 {
		t.Fatalf("family id = %d, want 7", id)
	}
}
