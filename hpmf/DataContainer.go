package hpmf

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Edge is one observed interaction after identifier assignment. User and
// Item are dense zero-based integer identifiers.
type Edge struct {
	User  int
	Item  int
	Count int
}

// LabeledEdge is one observed interaction as it appears in the input, keyed
// by the original user and item identifiers.
type LabeledEdge struct {
	User  string
	Item  string
	Count int
}

// DataContainer stores the edge list for the PMF model and the
// bi-directional mapping between original identifiers and the dense integer
// identifiers used by the inference engine. Integer identifiers are the
// positions of the distinct labels in lexicographic order.
//
// Edges keeps the input order of the distinct (user, item) keys; when a key
// appears more than once the last count wins. The inference engine iterates
// Edges front to back, so two containers built from the same input produce
// bit-identical floating point accumulations.
type DataContainer struct {
	Edges []Edge
	Size  int

	userHash   map[string]int
	itemHash   map[string]int
	userLabels []string
	itemLabels []string
}

// NewDataContainer returns a DataContainer built from an in-memory edge
// list. userList and itemList are optional; when non-nil they define the
// identifier space, which allows users and items with no observed edges.
func NewDataContainer(edgelist []LabeledEdge, userList []string, itemList []string) (*DataContainer, error) {
	if len(edgelist) == 0 && (userList == nil || itemList == nil) {
		return nil, fmt.Errorf("%w: empty edge list", ErrInvalidArgument)
	}
	if userList == nil {
		set := make(map[string]bool)
		for _, e := range edgelist {
			set[e.User] = true
		}
		userList = keys(set)
	}
	if itemList == nil {
		set := make(map[string]bool)
		for _, e := range edgelist {
			set[e.Item] = true
		}
		itemList = keys(set)
	}

	d := &DataContainer{
		userHash: make(map[string]int, len(userList)),
		itemHash: make(map[string]int, len(itemList)),
	}
	d.userLabels = append([]string(nil), userList...)
	d.itemLabels = append([]string(nil), itemList...)
	sort.Strings(d.userLabels)
	sort.Strings(d.itemLabels)
	for i, u := range d.userLabels {
		d.userHash[u] = i
	}
	for i, v := range d.itemLabels {
		d.itemHash[v] = i
	}

	position := make(map[[2]int]int, len(edgelist))
	for _, e := range edgelist {
		user, ok := d.userHash[e.User]
		if !ok {
			return nil, fmt.Errorf("%w: user %q not in user list", ErrInvalidArgument, e.User)
		}
		item, ok := d.itemHash[e.Item]
		if !ok {
			return nil, fmt.Errorf("%w: item %q not in item list", ErrInvalidArgument, e.Item)
		}
		key := [2]int{user, item}
		if at, seen := position[key]; seen {
			d.Edges[at].Count = e.Count
			continue
		}
		position[key] = len(d.Edges)
		d.Edges = append(d.Edges, Edge{User: user, Item: item, Count: e.Count})
	}
	d.Size = len(d.Edges)

	logger.Info("read in edge list",
		zap.Int("users", len(d.userLabels)),
		zap.Int("items", len(d.itemLabels)),
		zap.Int("edges", d.Size))
	return d, nil
}

// NewDataContainerFromFile reads a comma-separated edge list with schema
// user,item[,count] and a count of one when the third field is missing.
func NewDataContainerFromFile(filePath string) (*DataContainer, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open edge list %v", ErrInvalidArgument, filePath)
	}
	defer f.Close()

	var edgelist []LabeledEdge
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r\n")
		if text == "" {
			continue
		}
		fields := strings.Split(text, ",")
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: %v line %d: expected user,item[,count]", ErrInvalidArgument, filePath, line)
		}
		count := 1
		if len(fields) > 2 {
			count, err = strconv.Atoi(fields[2])
			if err != nil {
				return nil, fmt.Errorf("%w: %v line %d: count %q is not an integer", ErrInvalidArgument, filePath, line, fields[2])
			}
		}
		edgelist = append(edgelist, LabeledEdge{User: fields[0], Item: fields[1], Count: count})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read error in %v: %w", filePath, err)
	}
	return NewDataContainer(edgelist, nil, nil)
}

// NumUsers returns the total number of unique users.
func (d *DataContainer) NumUsers() int {
	return len(d.userLabels)
}

// NumItems returns the total number of unique items.
func (d *DataContainer) NumItems() int {
	return len(d.itemLabels)
}

// UserLabels returns the original user identifiers indexed by integer
// identifier.
func (d *DataContainer) UserLabels() []string {
	return d.userLabels
}

// ItemLabels returns the original item identifiers indexed by integer
// identifier.
func (d *DataContainer) ItemLabels() []string {
	return d.itemLabels
}

// UserFromID returns the original user identifier for an integer
// identifier.
func (d *DataContainer) UserFromID(uid int) (string, bool) {
	if uid < 0 || uid >= len(d.userLabels) {
		return "", false
	}
	return d.userLabels[uid], true
}

// ItemFromID returns the original item identifier for an integer
// identifier.
func (d *DataContainer) ItemFromID(iid int) (string, bool) {
	if iid < 0 || iid >= len(d.itemLabels) {
		return "", false
	}
	return d.itemLabels[iid], true
}

// IDForUser returns the integer identifier for an original user identifier,
// or a negative value if the user is unknown.
func (d *DataContainer) IDForUser(user string) int {
	if id, ok := d.userHash[user]; ok {
		return id
	}
	return -1
}

// IDForItem returns the integer identifier for an original item identifier,
// or a negative value if the item is unknown.
func (d *DataContainer) IDForItem(item string) int {
	if id, ok := d.itemHash[item]; ok {
		return id
	}
	return -1
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
