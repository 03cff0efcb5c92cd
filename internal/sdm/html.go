package sdm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Coordinate is an integer MNI coordinate in millimetres.
type Coordinate struct {
	X, Y, Z int
}

// String formats the coordinate as SDM prints it: "x,y,z".
func (c Coordinate) String() string {
	return fmt.Sprintf("%d,%d,%d", c.X, c.Y, c.Z)
}

// Array returns the coordinate as an array.
func (c Coordinate) Array() [3]int {
	return [3]int{c.X, c.Y, c.Z}
}

var coordPattern = regexp.MustCompile(`(-?\d+)\s*,\s*(-?\d+)\s*,\s*(-?\d+)`)

// ParseCoordinate returns the first "x,y,z" triple in s.
func ParseCoordinate(s string) (Coordinate, error) {
	m := coordPattern.FindStringSubmatch(s)
	if m == nil {
		return Coordinate{}, fmt.Errorf("not a coordinate: %q", s)
	}
	return Coordinate{X: atoi(m[1]), Y: atoi(m[2]), Z: atoi(m[3])}, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// ParseCoordinates returns the cluster peak coordinates of an SDM results
// page. Each cluster's peak is the first "x,y,z" triple in the text that
// follows a closing </table>, before the next table opens.
func ParseCoordinates(r io.Reader) ([]Coordinate, error) {
	z := html.NewTokenizer(r)

	var (
		coords     []Coordinate
		afterTable bool
		pending    strings.Builder
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return nil, err
			}
			return coords, nil
		case html.StartTagToken:
			if name, _ := z.TagName(); string(name) == "table" {
				afterTable = false
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "table" {
				afterTable = true
				pending.Reset()
			}
		case html.TextToken:
			if !afterTable {
				continue
			}
			pending.Write(z.Text())
			if c, err := ParseCoordinate(pending.String()); err == nil {
				coords = append(coords, c)
				afterTable = false
			}
		}
	}
}

// ParseCoordinatesFile reads coordinates from an SDM .htm results page.
func ParseCoordinatesFile(path string) ([]Coordinate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	coords, err := ParseCoordinates(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return coords, nil
}
